package testbed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"happystoic/overlaytest/pkg/config"
)

type runDir struct {
	dir string
}

// newRunDir creates <base>/<runID>. An empty base disables the run
// directory.
func newRunDir(base, runID string) (*runDir, error) {
	if base == "" {
		return &runDir{}, nil
	}
	dir := filepath.Join(base, runID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithMessage(err, "error creating run directory")
	}
	log.Infof("run directory: %s", dir)
	return &runDir{dir: dir}, nil
}

func (r *runDir) peerDir(index int) (string, error) {
	if r.dir == "" {
		return "", nil
	}
	dir := filepath.Join(r.dir, fmt.Sprintf("peer%d", index))
	if err := os.Mkdir(dir, os.ModePerm); err != nil {
		return "", err
	}
	return dir, nil
}

func keyPath(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "key.priv")
}

// peerDescription is written to peer.yaml of every peer.
type peerDescription struct {
	Index       int         `yaml:"index"`
	ID          string      `yaml:"id"`
	Connections []string    `yaml:"connections"`
	Peer        config.Peer `yaml:"peer"`
}

func writeDescription(p *Peer, conf *config.Peer) error {
	if p.Dir == "" {
		return nil
	}
	desc := peerDescription{
		Index:       p.Index,
		ID:          p.ID().String(),
		Connections: connectionStrings(p),
		Peer:        *conf,
	}
	data, err := yaml.Marshal(&desc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.Dir, "peer.yaml"), data, 0644)
}

// connectionStrings lists the ways to reach p, each a multiaddr and the
// peer ID separated by space.
func connectionStrings(p *Peer) []string {
	addrs := p.Addrs()
	conns := make([]string, 0, len(addrs))
	for _, a := range addrs {
		conns = append(conns, fmt.Sprintf("%s %s", a, p.ID()))
	}
	return conns
}

func addrInfoFromConnectionString(s string) (*peer.AddrInfo, error) {
	split := strings.Split(s, " ")
	if len(split) != 2 {
		return nil, errors.New("wrong format of connection string")
	}

	ma, err := multiaddr.NewMultiaddr(split[0])
	if err != nil {
		return nil, err
	}

	id, err := peer.Decode(split[1])
	if err != nil {
		return nil, err
	}

	ai := &peer.AddrInfo{
		ID:    id,
		Addrs: []multiaddr.Multiaddr{ma},
	}
	return ai, nil
}
