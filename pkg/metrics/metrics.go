package metrics

import (
	"context"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.Logger("metrics")

var (
	DhtPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlaytest_dht_puts_total",
		Help: "Finished DHT puts by outcome.",
	}, []string{"status"})

	DhtGetResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overlaytest_dht_get_results_total",
		Help: "Values delivered to DHT get iterators.",
	})

	DhtMonitorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlaytest_dht_monitor_events_total",
		Help: "DHT monitor callbacks by kind.",
	}, []string{"kind"})

	RegexAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overlaytest_regex_announcements_total",
		Help: "Regex announcements published, refreshes included.",
	})

	RegexMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overlaytest_regex_matches_total",
		Help: "Confirmed regex search results.",
	})

	TestbedLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlaytest_testbed_links_total",
		Help: "Links between testbed peers by outcome.",
	}, []string{"outcome"})
)

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Infof("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("error serving metrics: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
