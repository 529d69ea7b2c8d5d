package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/fleetscan/internal/collector"
	"github.com/user/fleetscan/internal/credentials"
	"github.com/user/fleetscan/internal/events"
	"github.com/user/fleetscan/internal/lease"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/remote"
	"github.com/user/fleetscan/internal/scanner"
	"github.com/user/fleetscan/internal/scripts"
	"github.com/user/fleetscan/internal/storage"
	"github.com/user/fleetscan/internal/util"
)

// Services is the scan pipeline wired from configuration. The daemon and the
// one-shot CLI commands share it.
type Services struct {
	DB           *storage.DB
	Hosts        *storage.HostStorage
	Tasks        *storage.TaskStorage
	Domains      *storage.DomainStorage
	Scripts      *scripts.Library
	Credentials  *credentials.Resolver
	Orchestrator *scanner.Orchestrator

	publisher events.Publisher
	redis     *lease.Redis
}

// NewServices opens storage and builds every collaborator of a scan.
func NewServices(ctx context.Context, cfg *util.Config) (*Services, error) {
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Services{
		DB:      db,
		Hosts:   storage.NewHostStorage(db),
		Tasks:   storage.NewTaskStorage(db),
		Domains: storage.NewDomainStorage(db),
	}

	s.Scripts = scripts.NewLibrary(cfg.ScriptDir, cfg.ScriptExtension, util.WithComponent("scripts"))
	loaded := s.Scripts.Preload()
	if missing := s.Scripts.Missing(); len(missing) > 0 {
		util.Warn("Scripts missing from %s: %v", cfg.ScriptDir, missing)
	}
	util.Debug("Loaded %d scripts", loaded)

	identity := ""
	if util.FileExists(cfg.IdentityFile) {
		identity = cfg.IdentityFile
	}
	cipher, err := credentials.NewAgeCipher(identity, cfg.Recipient)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load age identity: %w", err)
	}
	var fallback *model.Credential
	if cfg.DefaultUsername != "" {
		fallback = &model.Credential{Username: cfg.DefaultUsername, Secret: cfg.DefaultPassword}
	}
	s.Credentials = credentials.NewResolver(s.Domains, cipher, fallback, util.WithComponent("credentials"))

	decoder, err := collector.NewDecoder(cfg.FallbackEncoding)
	if err != nil {
		db.Close()
		return nil, err
	}
	coll := collector.New(newDialer(cfg), s.Scripts, decoder, util.WithComponent("collector"))

	s.publisher = newPublisher(cfg)

	var l lease.Lease = lease.NewMemory()
	if cfg.RedisAddr != "" {
		r, err := lease.NewRedis(ctx, lease.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.redis = r
		l = r
	}

	hosts := scanner.NewHostScanner(db, s.Credentials, coll, s.publisher, scanner.HostScannerConfig{
		HostTimeout:    cfg.HostTimeout,
		FullScanMaxAge: cfg.FullScanMaxAge,
	}, util.WithComponent("scanner"))

	s.Orchestrator = scanner.NewOrchestrator(s.Tasks, s.Hosts, hosts, scanner.Config{
		MaxWorkers:  cfg.ScanMaxWorkers,
		ScanTimeout: cfg.ScanTimeout,
		LeaseTTL:    cfg.LeaseTTL,
		Lease:       l,
		Publisher:   s.publisher,
	}, util.WithComponent("orchestrator"))

	return s, nil
}

// newDialer builds the configured transport behind rate limiting and session
// instrumentation.
func newDialer(cfg *util.Config) remote.Dialer {
	var base remote.Dialer
	switch cfg.RemoteTransport {
	case "ssh":
		base = remote.NewSSHDialer(remote.SSHConfig{
			Port:           cfg.RemotePort,
			KnownHostsFile: cfg.RemoteKnownHosts,
			Insecure:       cfg.RemoteInsecure,
			ConnectTimeout: cfg.RemoteOperationTimeout,
		})
	default:
		base = remote.NewWinRMDialer(remote.WinRMConfig{
			Port:             cfg.RemotePort,
			HTTPS:            cfg.RemoteHTTPS,
			Insecure:         cfg.RemoteInsecure,
			NTLM:             cfg.RemoteNTLM,
			OperationTimeout: cfg.RemoteOperationTimeout,
			ReadTimeout:      cfg.RemoteReadTimeout,
		})
	}
	return remote.NewInstrumented(remote.NewRateLimited(base, cfg.SessionOpenRate, cfg.SessionOpenBurst))
}

func newPublisher(cfg *util.Config) events.Publisher {
	logger := util.WithComponent("events")
	if cfg.NATSURL == "" {
		return events.NewLogPublisher(logger)
	}
	p, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
	if err != nil {
		logger.Warn().Err(err).Msg("NATS unavailable, logging events instead")
		return events.NewLogPublisher(logger)
	}
	return p
}

// Close releases every connection the services hold.
func (s *Services) Close() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
