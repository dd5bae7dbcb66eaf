package surface

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SurfaceConfig is the per-surface section of the layout file.
type SurfaceConfig struct {
	Channel     string `yaml:"channel"`
	Title       string `yaml:"title"`
	Placeholder string `yaml:"placeholder"`
}

// Layout maps surface keys to the channel they are rendered in.
//
//	default_channel: "112233"
//	surfaces:
//	  boosting:
//	    channel: "445566"
//	    title: "**Boosting** - pick a service"
type Layout struct {
	DefaultChannel string                   `yaml:"default_channel"`
	Surfaces       map[string]SurfaceConfig `yaml:"surfaces"`
}

// LoadLayout reads the YAML layout at path. An empty path yields a layout that
// renders every surface into fallbackChannel.
func LoadLayout(path, fallbackChannel string) (*Layout, error) {
	l := &Layout{Surfaces: map[string]SurfaceConfig{}}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read surfaces layout: %w", err)
		}
		if err := yaml.Unmarshal(raw, l); err != nil {
			return nil, fmt.Errorf("parse surfaces layout %s: %w", path, err)
		}
		if l.Surfaces == nil {
			l.Surfaces = map[string]SurfaceConfig{}
		}
	}
	if l.DefaultChannel == "" {
		l.DefaultChannel = strings.TrimSpace(fallbackChannel)
	}
	for key := range l.Surfaces {
		if strings.TrimSpace(key) == "" {
			return nil, errors.New("surfaces layout: empty surface key")
		}
	}
	return l, nil
}

// ChannelFor returns the channel a surface renders into.
func (l *Layout) ChannelFor(key string) (string, bool) {
	if sc, ok := l.Surfaces[key]; ok && sc.Channel != "" {
		return sc.Channel, true
	}
	return l.DefaultChannel, l.DefaultChannel != ""
}

func (l *Layout) Config(key string) SurfaceConfig {
	return l.Surfaces[key]
}

// Keys lists the surfaces declared in the layout file, sorted.
func (l *Layout) Keys() []string {
	return slices.Sorted(maps.Keys(l.Surfaces))
}
