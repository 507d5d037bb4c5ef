// Package killswitch is the rollout stop switch: a marker file whose
// presence halts a running rollout before its next batch.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lyndonlyu/fleet/internal/clock"
	"gopkg.in/yaml.v3"
)

const DefaultInterval = 200 * time.Millisecond

// ErrEngaged is the cancellation cause of a context stopped by Watch.
var ErrEngaged = errors.New("rollout stop switch engaged")

// Marker is the content of the switch file.
type Marker struct {
	Reason    string    `yaml:"reason"`
	EngagedAt time.Time `yaml:"engaged_at"`
}

type Switch struct {
	path      string
	interval  time.Duration
	clock     clock.Clock
	triggered atomic.Bool
}

// New returns a Switch backed by path. A nil clock means the real clock.
func New(path string, c clock.Clock) *Switch {
	if c == nil {
		c = clock.Real()
	}
	return &Switch{path: path, interval: DefaultInterval, clock: c}
}

func (s *Switch) Path() string {
	return s.path
}

func (s *Switch) Engaged() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Tripped reports whether the most recent Watch cancelled its context
// because of the switch, even if the file has since been removed.
func (s *Switch) Tripped() bool {
	return s.triggered.Load()
}

// Engage writes the marker file.
func (s *Switch) Engage(reason string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("killswitch: engage: %w", err)
	}
	data, err := yaml.Marshal(Marker{Reason: reason, EngagedAt: s.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("killswitch: engage: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("killswitch: engage: %w", err)
	}
	return nil
}

// Marker reads the switch file. It returns nil, nil when the switch is
// not engaged. A file that is not a valid marker still counts as engaged.
func (s *Switch) Marker() (*Marker, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("killswitch: read: %w", err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		m = Marker{Reason: string(data)}
	}
	return &m, nil
}

// Release removes the switch. Releasing a switch that is not engaged is
// not an error.
func (s *Switch) Release() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("killswitch: release: %w", err)
	}
	return nil
}

// Watch returns a context that is cancelled with cause ErrEngaged as
// soon as the switch file appears.
func (s *Switch) Watch(ctx context.Context) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancelCause(ctx)
	stop := func() { cancel(context.Canceled) }
	s.triggered.Store(false)

	if s.Engaged() {
		s.triggered.Store(true)
		cancel(ErrEngaged)
		return watchCtx, stop
	}

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-s.clock.After(s.interval):
				if s.Engaged() {
					s.triggered.Store(true)
					cancel(ErrEngaged)
					return
				}
			}
		}
	}()

	return watchCtx, stop
}
