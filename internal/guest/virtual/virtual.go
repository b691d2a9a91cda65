// Package virtual provisions virtual machines through an HTTP provisioning
// service and reaches them over SSH.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

const (
	DefaultAPIURL        = "http://127.0.0.1:8001"
	DefaultAPIVersion    = "0.0.47"
	DefaultArch          = "x86_64"
	DefaultKeyname       = "default"
	DefaultPriorityGroup = "default-priority"
	DefaultUser          = "root"
)

// SupportedAPIVersions lists the API versions the backend understands,
// newest first.
var SupportedAPIVersions = []string{"0.0.47", "0.0.46", "0.0.38", "0.0.37", "0.0.32", "0.0.28"}

// introduced maps hardware keys to the API version that first accepts them.
// Keys not listed are accepted by every supported version.
var introduced = map[string]string{
	"network":              "0.0.28",
	"boot":                 "0.0.32",
	"virtualization":       "0.0.37",
	"hostname":             "0.0.38",
	"cpu.family":           "0.0.46",
	"cpu.family-name":      "0.0.46",
	"cpu.model-name":       "0.0.46",
	"cpu.cores-per-socket": "0.0.46",
	"cpu.threads-per-core": "0.0.46",
	"cpu.threads":          "0.0.46",
	"cpu.processors":       "0.0.47",
}

// ErrHardRebootUnsupported is returned for hard reboot requests.
var ErrHardRebootUnsupported = errors.New("hard reboot is not supported by the provisioning API")

// Options configure the backend.
type Options struct {
	URL              string
	APIVersion       string
	Arch             string
	Keyname          string
	PriorityGroup    string
	Pool             string
	User             string
	Key              string
	ProvisionTimeout time.Duration
	PollInterval     time.Duration
}

// Backend is the virtual provisioning method.
type Backend struct {
	api       *API
	opts      Options
	version   *version.Version
	transport *sshguest.Transport
	logger    *zap.Logger
}

func New(opts Options, transport *sshguest.Transport, logger *zap.Logger) (*Backend, error) {
	if opts.URL == "" {
		opts.URL = DefaultAPIURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if !supported(opts.APIVersion) {
		return nil, fmt.Errorf("API version %q not supported (supported: %v)", opts.APIVersion, SupportedAPIVersions)
	}
	v, err := version.NewVersion(opts.APIVersion)
	if err != nil {
		return nil, err
	}
	if opts.Arch == "" {
		opts.Arch = DefaultArch
	}
	if opts.Keyname == "" {
		opts.Keyname = DefaultKeyname
	}
	if opts.PriorityGroup == "" {
		opts.PriorityGroup = DefaultPriorityGroup
	}
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.ProvisionTimeout == 0 {
		opts.ProvisionTimeout = 10 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{api: NewAPI(opts.URL), opts: opts, version: v, transport: transport, logger: logger}, nil
}

func supported(v string) bool {
	for _, s := range SupportedAPIVersions {
		if s == v {
			return true
		}
	}
	return false
}

// DeclareHardware rejects requirements using keys the configured API version
// does not know yet.
func (b *Backend) DeclareHardware(c hardware.Constraint) error {
	for _, key := range Keys(c) {
		since, ok := introduced[key]
		if !ok {
			continue
		}
		if b.version.LessThan(version.Must(version.NewVersion(since))) {
			return fmt.Errorf("hardware requirement %q needs API version %s or newer, configured %s", key, since, b.opts.APIVersion)
		}
	}
	return nil
}

// Keys lists the hardware keys used anywhere in c, both top-level ("cpu")
// and nested ("cpu.cores"), sorted.
func Keys(c hardware.Constraint) []string {
	seen := map[string]bool{}
	collectKeys(hardware.Raw(c), seen)
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectKeys(raw any, seen map[string]bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for key, v := range m {
		if key == "and" || key == "or" {
			children, _ := v.([]any)
			for _, child := range children {
				collectKeys(child, seen)
			}
			continue
		}
		seen[key] = true
		switch sub := v.(type) {
		case map[string]any:
			for k := range sub {
				seen[key+"."+k] = true
			}
		case []any:
			for _, item := range sub {
				if im, ok := item.(map[string]any); ok {
					for k := range im {
						seen[key+"."+k] = true
					}
				}
			}
		}
	}
}

func (b *Backend) request(spec guest.Spec) CreateRequest {
	arch := b.opts.Arch
	if a := spec.Options["arch"]; a != "" {
		arch = a
	}
	pool := b.opts.Pool
	if p := spec.Options["pool"]; p != "" {
		pool = p
	}
	userData := map[string]string{}
	if spec.Options["user-data"] != "" {
		userData["tmtgo"] = spec.Options["user-data"]
	}
	return CreateRequest{
		Environment: Environment{
			HW:   HW{Arch: arch, Constraints: hardware.Raw(spec.Hardware)},
			OS:   OS{Compose: spec.Image},
			Pool: pool,
		},
		Keyname:       b.opts.Keyname,
		PriorityGroup: b.opts.PriorityGroup,
		UserData:      userData,
	}
}

// Start requests a guest and waits until the service reports it ready and
// it answers over SSH. A guest that fails to come up is removed again.
func (b *Backend) Start(ctx context.Context, spec guest.Spec) (guest.Handle, error) {
	if spec.Image == "" {
		return guest.Handle{}, fmt.Errorf("guest %q: image is required", spec.Name)
	}
	port := spec.Port
	if p := spec.Options["port"]; p != "" && port == 0 {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return guest.Handle{}, fmt.Errorf("guest %q: invalid port option %q", spec.Name, p)
		}
		port = n
	}
	created, err := b.api.Create(ctx, b.request(spec))
	if err != nil {
		return guest.Handle{}, err
	}
	name := created.GuestName
	b.logger.Info("guest requested", zap.String("guest", spec.Name), zap.String("guestname", name))

	info, err := b.waitReady(ctx, name)
	if err != nil {
		b.remove(name)
		return guest.Handle{}, err
	}
	h := guest.Handle{
		ID:      name,
		Address: info.Address,
		User:    firstOf(spec.User, b.opts.User),
		Port:    port,
		Key:     firstOf(spec.Key, b.opts.Key),
		Data:    map[string]string{"api-url": b.opts.URL},
	}
	if _, err := b.transport.Run(ctx, h, guest.Command{Script: "true"}); err != nil {
		b.remove(name)
		return guest.Handle{}, fmt.Errorf("connecting to %s: %w", h.Address, err)
	}
	return h, nil
}

func (b *Backend) waitReady(ctx context.Context, name string) (GuestInfo, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.PollInterval
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = b.opts.ProvisionTimeout

	var info GuestInfo
	err := backoff.Retry(func() error {
		current, err := b.api.Inspect(ctx, name)
		if errors.Is(err, ErrGuestNotFound) {
			return backoff.Permanent(fmt.Errorf("guest %s disappeared while provisioning", name))
		}
		if err != nil {
			return err
		}
		b.logger.Debug("guest state", zap.String("guestname", name), zap.String("state", current.State))
		switch current.State {
		case StateError:
			return backoff.Permanent(fmt.Errorf("provisioning of guest %s failed", name))
		case StateReady:
			info = current
			return nil
		}
		return fmt.Errorf("guest %s is %s", name, current.State)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return info, fmt.Errorf("waiting for guest %s: %w", name, err)
	}
	if info.Address == "" {
		return info, fmt.Errorf("guest %s is ready but has no address", name)
	}
	return info, nil
}

// remove deletes a guest after a failed start, even when ctx is done.
func (b *Backend) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := b.api.Delete(ctx, name); err != nil {
		b.logger.Warn("failed to remove guest", zap.String("guestname", name), zap.Error(err))
	}
}

func (b *Backend) Stop(ctx context.Context, h guest.Handle) error {
	b.transport.Pool.Drop(sshguest.FromHandle(h))
	return b.api.Delete(ctx, h.ID)
}

func (b *Backend) Run(ctx context.Context, h guest.Handle, cmd guest.Command) (guest.Output, error) {
	return b.transport.Run(ctx, h, cmd)
}

func (b *Backend) Push(ctx context.Context, h guest.Handle, src, dst string) error {
	return b.transport.Push(ctx, h, src, dst)
}

func (b *Backend) Pull(ctx context.Context, h guest.Handle, src, dst string) error {
	return b.transport.Pull(ctx, h, src, dst)
}

func (b *Backend) Reboot(ctx context.Context, h guest.Handle, hard bool) error {
	if hard {
		return ErrHardRebootUnsupported
	}
	return b.transport.Reboot(ctx, h, "")
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
