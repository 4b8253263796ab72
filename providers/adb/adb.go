package adb

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/appexplore/explorerd"
)

// Provider lists connected Android devices via adb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return New(client), nil
}

// ListDevices returns all connected device serials.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	return p.client.DeviceSerialList()
}

// RunShell executes a shell command on the given device serial.
func (p *Provider) RunShell(serial string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("adb: empty shell command")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(args[0], args[1:]...)
		}
	}
	return "", errors.Errorf("device %s not found", serial)
}

const defaultWatchInterval = 10 * time.Second

// Driver drives exploration sessions over adb: it launches the app under
// test and watches device presence until the session ends.
type Driver struct {
	provider      *Provider
	appPackage    string
	watchInterval time.Duration

	mu       sync.Mutex
	sessions map[string]chan struct{}
}

// NewDriver builds a session driver for appPackage on top of provider.
func NewDriver(provider *Provider, appPackage string) (*Driver, error) {
	if provider == nil {
		return nil, errors.New("adb: provider cannot be nil")
	}
	if strings.TrimSpace(appPackage) == "" {
		return nil, errors.New("adb: app package cannot be empty")
	}
	return &Driver{
		provider:      provider,
		appPackage:    appPackage,
		watchInterval: defaultWatchInterval,
		sessions:      make(map[string]chan struct{}),
	}, nil
}

// StartSession verifies the device is connected and launches the app.
func (d *Driver) StartSession(ctx context.Context, device explorerd.Device) (explorerd.SessionHandle, error) {
	type startResult struct {
		err error
	}
	done := make(chan startResult, 1)
	go func() {
		serials, err := d.provider.ListDevices(ctx)
		if err != nil {
			done <- startResult{err: errors.Wrap(err, "list devices")}
			return
		}
		found := false
		for _, s := range serials {
			if s == device.Serial {
				found = true
				break
			}
		}
		if !found {
			done <- startResult{err: errors.Errorf("device %s not connected", device.Serial)}
			return
		}
		_, err = d.provider.RunShell(device.Serial,
			"monkey", "-p", d.appPackage, "-c", "android.intent.category.LAUNCHER", "1")
		done <- startResult{err: errors.Wrapf(err, "launch %s on %s", d.appPackage, device.Serial)}
	}()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrapf(explorerd.ErrDriverTimeout, "launch %s on %s", d.appPackage, device.Serial)
		}
		return explorerd.SessionHandle{}, err
	case res := <-done:
		if res.err != nil {
			return explorerd.SessionHandle{}, res.err
		}
	}

	handle := explorerd.SessionHandle{ID: uuid.NewString(), Serial: device.Serial}
	d.mu.Lock()
	d.sessions[handle.ID] = make(chan struct{})
	d.mu.Unlock()
	log.Debug().Str("session", handle.ID).Str("serial", device.Serial).Msg("adb: session started")
	return handle, nil
}

// EndSession force-stops the app and signals the session watcher.
func (d *Driver) EndSession(ctx context.Context, handle explorerd.SessionHandle) error {
	d.mu.Lock()
	stop, ok := d.sessions[handle.ID]
	if ok {
		delete(d.sessions, handle.ID)
	}
	d.mu.Unlock()

	if _, err := d.provider.RunShell(handle.Serial, "am", "force-stop", d.appPackage); err != nil {
		log.Warn().Err(err).Str("serial", handle.Serial).Msg("adb: force-stop failed")
	}
	if ok {
		close(stop)
	}
	return nil
}

// Watch reports session health. The result arrives when EndSession is
// called (clean) or the device drops off the adb bus (error).
func (d *Driver) Watch(handle explorerd.SessionHandle) <-chan explorerd.SessionResult {
	out := make(chan explorerd.SessionResult, 1)
	d.mu.Lock()
	stop := d.sessions[handle.ID]
	d.mu.Unlock()
	if stop == nil {
		out <- explorerd.SessionResult{Err: errors.Errorf("unknown session %s", handle.ID)}
		return out
	}

	go func() {
		ticker := time.NewTicker(d.watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				out <- explorerd.SessionResult{}
				return
			case <-ticker.C:
				serials, err := d.provider.ListDevices(context.Background())
				if err != nil {
					continue
				}
				present := false
				for _, s := range serials {
					if s == handle.Serial {
						present = true
						break
					}
				}
				if !present {
					d.mu.Lock()
					delete(d.sessions, handle.ID)
					d.mu.Unlock()
					out <- explorerd.SessionResult{Err: errors.Errorf("device %s disconnected", handle.Serial)}
					return
				}
			}
		}
	}()
	return out
}
