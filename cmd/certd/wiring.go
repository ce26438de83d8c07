package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/freessl/internal/accounts"
	"github.com/jmerrifield20/freessl/internal/archive"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/email"
	"github.com/jmerrifield20/freessl/internal/handler"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"github.com/jmerrifield20/freessl/internal/payment"
	"github.com/jmerrifield20/freessl/internal/renewal"
	"github.com/jmerrifield20/freessl/internal/scheduler"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// storage bundles the persistence backends selected by storage.backend.
type storage struct {
	db       *pgxpool.Pool // nil for the memory backend
	certs    certs.Store
	accounts accounts.Directory
	payments payment.Repository
	ledger   audit.Ledger
}

func (s *storage) close() {
	if s.db != nil {
		s.db.Close()
	}
}

func openStorage(ctx context.Context, backend, dsn string, logger *zap.Logger) (*storage, error) {
	switch backend {
	case "memory":
		logger.Warn("storage backend: memory (state is lost on restart)")
		return &storage{
			certs:    certs.NewMemoryStore(),
			accounts: accounts.NewMemoryDirectory(),
			payments: payment.NewMemoryRepository(),
			ledger:   audit.NewMemoryLedger(),
		}, nil
	case "postgres":
		db, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &storage{
			db:       db,
			certs:    certs.NewPostgresStore(db),
			accounts: accounts.NewRepository(db),
			payments: payment.NewPostgresRepository(db),
			ledger:   audit.NewPostgresLedger(db, logger),
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage.backend %q", backend)
	}
}

func buildCapability(logger *zap.Logger) (issuer.Capability, error) {
	storageDir := viper.GetString("issuer.storage_dir")
	switch kind := viper.GetString("issuer.kind"); kind {
	case "acme":
		c, err := issuer.NewACMECapability(issuer.ACMEConfig{
			DirectoryURL:    viper.GetString("issuer.acme.directory_url"),
			Email:           viper.GetString("issuer.acme.email"),
			StorageDir:      storageDir,
			HTTP01Address:   viper.GetString("issuer.acme.http01_address"),
			DNSProvider:     viper.GetString("issuer.acme.dns_provider"),
			CloudflareToken: viper.GetString("issuer.acme.cloudflare_token"),
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("issuer: acme", zap.String("storage_dir", storageDir))
		return c, nil

	case "certbot":
		logger.Info("issuer: certbot", zap.String("config_dir", viper.GetString("issuer.certbot.config_dir")))
		return issuer.NewCertbotCapability(issuer.CertbotConfig{
			Binary:        viper.GetString("issuer.certbot.binary"),
			ConfigDir:     viper.GetString("issuer.certbot.config_dir"),
			WorkDir:       viper.GetString("issuer.certbot.work_dir"),
			LogsDir:       viper.GetString("issuer.certbot.logs_dir"),
			ChallengeArgs: viper.GetStringSlice("issuer.certbot.challenge_args"),
		}), nil

	case "localca":
		caDir := viper.GetString("issuer.localca.dir")
		lc := issuer.NewLocalCACapability(caDir, storageDir, viper.GetDuration("issuer.localca.valid_for"))
		if err := lc.LoadOrCreate(); err != nil {
			return nil, fmt.Errorf("local CA setup failed: %w", err)
		}
		logger.Warn("issuer: local development CA; certificates are not publicly trusted",
			zap.String("ca_cert", filepath.Join(caDir, "ca.crt")),
		)
		return lc, nil

	default:
		return nil, fmt.Errorf("unknown issuer.kind %q", kind)
	}
}

func buildSender(logger *zap.Logger) (email.Sender, error) {
	from := viper.GetString("email.from_address")
	if token := viper.GetString("email.postmark_server_token"); token != "" {
		s, err := email.NewPostmarkSender(token, viper.GetString("email.postmark_account_token"), from)
		if err != nil {
			return nil, err
		}
		logger.Info("email sender: postmark")
		return s, nil
	}
	if host := viper.GetString("email.smtp_host"); host != "" {
		s, err := email.NewSMTPSender(
			host,
			viper.GetInt("email.smtp_port"),
			viper.GetString("email.smtp_username"),
			viper.GetString("email.smtp_password"),
			from,
		)
		if err != nil {
			return nil, err
		}
		logger.Info("email sender: smtp", zap.String("host", host))
		return s, nil
	}
	logger.Info("email sender: noop (set email.smtp_host or email.postmark_server_token to deliver mail)")
	return email.NewNoopSender(logger), nil
}

func buildArchiver(ctx context.Context, logger *zap.Logger) (archive.Archiver, error) {
	bucket := viper.GetString("archive.s3_bucket")
	if bucket == "" {
		return archive.NoopArchiver{}, nil
	}
	a, err := archive.NewS3Archiver(ctx, archive.S3Config{
		Bucket:    bucket,
		Region:    viper.GetString("archive.s3_region"),
		Endpoint:  viper.GetString("archive.s3_endpoint"),
		Prefix:    viper.GetString("archive.s3_prefix"),
		AccessKey: viper.GetString("archive.s3_access_key"),
		SecretKey: viper.GetString("archive.s3_secret_key"),
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("certificate archive: s3", zap.String("bucket", bucket))
	return a, nil
}

func buildScheduler(ctx context.Context, orch *renewal.Orchestrator, logger *zap.Logger) (*scheduler.Scheduler, error) {
	loc := time.Local
	if tz := viper.GetString("schedule.timezone"); tz != "" && tz != "Local" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}

	sched := scheduler.New(viper.GetDuration("schedule.tick"), logger)
	sched.SetRunRecorder(handler.RecordSchedulerRun)

	if url := viper.GetString("redis.url"); url != "" {
		client, err := scheduler.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		sched.SetLocker(scheduler.NewRedisLocker(client, "", logger), viper.GetDuration("schedule.lock_ttl"))
		logger.Info("sweep locking: redis")
	}

	times := map[string]string{
		renewal.SweepExpiryNotices:    viper.GetString("schedule.expiry_notice"),
		renewal.SweepFreeTrialNotices: viper.GetString("schedule.free_trial_notice"),
		renewal.SweepAutoRenewals:     viper.GetString("schedule.auto_renew"),
	}
	for _, name := range renewal.SweepNames() {
		at, err := scheduler.Daily(times[name], loc)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		err = sched.Register(name, at, func(ctx context.Context) (any, error) {
			return orch.RunSweep(ctx, name)
		})
		if err != nil {
			return nil, err
		}
		logger.Info("sweep scheduled", zap.String("sweep", name), zap.String("at", at.String()))
	}
	return sched, nil
}
