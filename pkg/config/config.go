package config

import (
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var log = logging.Logger("overlaytest")

type Config struct {
	Testbed     Testbed
	Peer        Peer
	DhtCycle    DhtCycle
	RegexPubSub RegexPubSub
	Redis       Redis
	Metrics     Metrics
}

type Testbed struct {
	Name         string
	NumPeers     int
	Topology     string
	LinkDegree   int
	ListenHost   string
	SetupTimeout time.Duration

	// RunDir, when set, receives a directory per run with keys and
	// descriptions of every started peer
	RunDir string
	Seed   int64
}

type Peer struct {
	ProtocolPrefix string
	Connections    Connections
	Dht            Dht
}

type Connections struct {
	Low         int
	High        int
	GracePeriod time.Duration
}

type Dht struct {
	BucketSize int
}

// IdentityConfig says where a peer key comes from. Testbed peers always
// generate a fresh key and optionally save it into the run directory.
type IdentityConfig struct {
	GenerateNewKey  bool
	LoadKeyFromFile string
	SaveKeyToFile   string
}

type DhtCycle struct {
	HtLength    uint
	Replication uint32
	Data        string
	PutTimeout  time.Duration

	// Grace is how long the run lasts after the table connection is up
	Grace   time.Duration
	Timeout time.Duration

	WriterPeer int
	ReaderPeer *int // nil selects the last peer
}

type RegexPubSub struct {
	PublisherTopic  string
	SubscriberTopic string
	RefreshDelay    time.Duration
	Anonymity       *uint
	HtLength        uint
	Replication     uint32
	PutTimeout      time.Duration
	Timeout         time.Duration
}

type Redis struct {
	Host           string
	Port           uint
	Db             int
	Username       string
	Password       string
	TraceChannel   string
	ControlChannel string
}

type Metrics struct {
	Listen string
}

const (
	TopologyLine   = "line"
	TopologyRing   = "ring"
	TopologyClique = "clique"
	TopologyStar   = "star"
	TopologyRandom = "random"
)

// Addr constructs address from host and port
func (r *Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled says whether results and traces should be sent to redis
func (r *Redis) Enabled() bool {
	return r.Host != ""
}

// Load reads the yaml template at path. Empty path gives the defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading configuration %s", path)
		}
		if err := v.Unmarshal(&c); err != nil {
			return nil, errors.Wrapf(err, "error decoding configuration %s", path)
		}
	}
	return &c, c.Check()
}

func (id *IdentityConfig) Check() error {
	if id.GenerateNewKey && id.LoadKeyFromFile != "" {
		return errors.New("cannot generate new key and load one from file at the same time")
	}
	if !id.GenerateNewKey && id.LoadKeyFromFile == "" {
		return errors.New("specify either to generate a new key or load one from a file")
	}
	return nil
}

func (c *Config) Check() error {
	// validity check
	if c.Testbed.NumPeers < 0 {
		return errors.Errorf("Testbed.NumPeers=%d must not be negative", c.Testbed.NumPeers)
	}
	if c.Testbed.LinkDegree < 0 {
		return errors.Errorf("Testbed.LinkDegree=%d must not be negative", c.Testbed.LinkDegree)
	}
	c.Testbed.Topology = strings.ToLower(c.Testbed.Topology)
	switch c.Testbed.Topology {
	case "":
		c.Testbed.Topology = TopologyClique
	case TopologyLine, TopologyRing, TopologyClique, TopologyStar, TopologyRandom:
	default:
		return errors.Errorf("unknown topology Testbed.Topology=%s", c.Testbed.Topology)
	}
	if c.Peer.Connections.Low > c.Peer.Connections.High && c.Peer.Connections.High != 0 {
		return errors.Errorf("Peer.Connections.Low=%d is above Peer.Connections.High=%d",
			c.Peer.Connections.Low, c.Peer.Connections.High)
	}
	if c.DhtCycle.WriterPeer < 0 {
		return errors.Errorf("DhtCycle.WriterPeer=%d must not be negative", c.DhtCycle.WriterPeer)
	}
	if c.DhtCycle.ReaderPeer != nil && *c.DhtCycle.ReaderPeer < 0 {
		return errors.Errorf("DhtCycle.ReaderPeer=%d must not be negative", *c.DhtCycle.ReaderPeer)
	}
	if c.RegexPubSub.RefreshDelay < 0 {
		return errors.New("RegexPubSub.RefreshDelay must not be negative")
	}
	if c.Redis.Enabled() && c.Redis.TraceChannel == "" {
		log.Warnf("Config: Redis.Host=%s without Redis.TraceChannel - "+
			"results will not be published", c.Redis.Host)
	}

	// default values
	if c.Testbed.Name == "" {
		c.Testbed.Name = "overlay-test"
	}
	if c.Testbed.ListenHost == "" {
		c.Testbed.ListenHost = "127.0.0.1"
	}
	if c.Testbed.SetupTimeout == 0 {
		c.Testbed.SetupTimeout = 30 * time.Second
	}
	if c.Testbed.Topology == TopologyRandom && c.Testbed.LinkDegree == 0 {
		c.Testbed.LinkDegree = 2
	}
	if c.Peer.ProtocolPrefix == "" {
		c.Peer.ProtocolPrefix = "/overlaytest"
	}
	if c.Peer.Connections.High == 0 {
		c.Peer.Connections.Low = 32
		c.Peer.Connections.High = 64
	}
	if c.Peer.Connections.GracePeriod == 0 {
		c.Peer.Connections.GracePeriod = time.Minute
	}
	if c.Peer.Dht.BucketSize == 0 {
		c.Peer.Dht.BucketSize = 20
	}

	dc := &c.DhtCycle
	if dc.HtLength == 0 {
		dc.HtLength = 10
	}
	if dc.Replication == 0 {
		dc.Replication = 2
	}
	if dc.Data == "" {
		dc.Data = "Some data put into the overlay DHT by the testbed"
	}
	if dc.PutTimeout == 0 {
		dc.PutTimeout = time.Minute
	}
	if dc.Grace == 0 {
		dc.Grace = 10 * time.Second
	}
	if dc.Timeout == 0 {
		dc.Timeout = time.Minute
	}

	rc := &c.RegexPubSub
	if rc.PublisherTopic == "" {
		rc.PublisherTopic = "news/wikileaks"
	}
	if rc.SubscriberTopic == "" {
		rc.SubscriberTopic = "news/(gnunet|wikileaks)"
	}
	if rc.RefreshDelay == 0 {
		rc.RefreshDelay = 5 * time.Second
	}
	if rc.Anonymity == nil {
		level := uint(1)
		rc.Anonymity = &level
	}
	if rc.HtLength == 0 {
		rc.HtLength = 10
	}
	if rc.Replication == 0 {
		rc.Replication = 2
	}
	if rc.PutTimeout == 0 {
		rc.PutTimeout = time.Minute
	}
	if rc.Timeout == 0 {
		rc.Timeout = 600 * time.Second
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379 // Use default redis port if port is not specified
	}
	return nil
}
