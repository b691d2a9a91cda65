package cmd

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/config"
	"github.com/stevehiehn/tmtgo/internal/guest"
	"github.com/stevehiehn/tmtgo/internal/guest/connect"
	"github.com/stevehiehn/tmtgo/internal/guest/container"
	"github.com/stevehiehn/tmtgo/internal/guest/local"
	"github.com/stevehiehn/tmtgo/internal/guest/sshguest"
	"github.com/stevehiehn/tmtgo/internal/guest/virtual"
	"github.com/stevehiehn/tmtgo/internal/plan"
)

// parseEnvironment converts ["key=value", ...] to a map.
func parseEnvironment(raw []string) (map[string]string, error) {
	m := map[string]string{}
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid environment %q, expected KEY=VALUE", kv)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}

// newRegistry wires every provisioning method from the configuration. The
// returned function closes pooled SSH connections.
func newRegistry(cfg config.Config, logger *zap.Logger) (*guest.Registry, func(), error) {
	reg := guest.NewRegistry()
	reg.Register(guest.MethodLocal, local.New(logger.Named("local")))

	engine, err := container.New(cfg.Container.Engine, logger.Named("container"))
	if err != nil {
		return nil, nil, err
	}
	reg.Register(guest.MethodContainer, engine)

	pool := sshguest.NewPool(logger.Named("ssh"))
	transport := sshguest.NewTransport(pool, logger.Named("ssh"))
	closeFn := func() {
		if err := pool.Close(); err != nil {
			logger.Debug("closing SSH connections", zap.Error(err))
		}
	}

	catalog, err := connect.LoadCatalog(cfg.Connect.Catalog)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	conn := connect.New(transport, catalog, logger.Named("connect"))
	conn.User = cfg.SSH.User
	conn.Key = cfg.SSH.Key
	reg.Register(guest.MethodConnect, conn)

	opts := virtual.Options{
		URL:        cfg.Virtual.APIURL,
		APIVersion: cfg.Virtual.APIVersion,
		Arch:       cfg.Virtual.Arch,
		Keyname:    cfg.Virtual.Keyname,
		Pool:       cfg.Virtual.Pool,
		User:       cfg.SSH.User,
		Key:        cfg.SSH.Key,
	}
	if cfg.Virtual.ProvisionTimeout != "" {
		if opts.ProvisionTimeout, err = plan.ParseDuration(cfg.Virtual.ProvisionTimeout); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("virtual.provision_timeout: %w", err)
		}
	}
	vm, err := virtual.New(opts, transport, logger.Named("virtual"))
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	reg.Register(guest.MethodVirtual, vm)
	return reg, closeFn, nil
}

// stepTimeout is the flag value when set, the configured one otherwise.
func stepTimeout(flag time.Duration, cfg config.Config) (time.Duration, error) {
	if flag > 0 || cfg.StepTimeout == "" {
		return flag, nil
	}
	d, err := plan.ParseDuration(cfg.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("step_timeout: %w", err)
	}
	return d, nil
}
