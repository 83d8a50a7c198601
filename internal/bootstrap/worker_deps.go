// Package bootstrap wires adapters and services for the api and worker modes.
package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"mailworker/adapter/out/messaging"
	"mailworker/adapter/out/mongodb"
	"mailworker/adapter/out/parser"
	"mailworker/adapter/out/persistence"
	gmailprovider "mailworker/adapter/out/provider/gmail"
	imapprovider "mailworker/adapter/out/provider/imap"
	smtpprovider "mailworker/adapter/out/provider/smtp"
	"mailworker/adapter/out/push"
	"mailworker/adapter/out/scanner"
	"mailworker/config"
	"mailworker/core/service/auth"
	"mailworker/core/service/email"
	"mailworker/core/service/events"
	"mailworker/core/service/mailbox"
	"mailworker/core/service/send"
	syncsvc "mailworker/core/service/sync"
	"mailworker/core/service/watch"
	"mailworker/infra/database"
	"mailworker/pkg/logger"
	"mailworker/pkg/netguard"
)

// Dependencies holds every shared adapter and service. Both modes build the
// full graph; what actually runs differs per mode.
type Dependencies struct {
	Cfg *config.Config

	DB      *sqlx.DB
	PgxPool *pgxpool.Pool
	Redis   *redis.Client
	Mongo   *mongo.Client

	Guard *netguard.Guard

	Connectors  *persistence.ConnectorAdapter
	Messages    *persistence.MessageAdapter
	States      *persistence.SyncStateAdapter
	EventRepo   *persistence.SyncEventAdapter
	Idempotency *persistence.SendIdempotencyAdapter
	OAuthStates *persistence.OAuthStateAdapter
	PushSubs    *persistence.PushSubscriptionAdapter
	Threads     *persistence.ThreadResolverAdapter

	Blobs    *mongodb.BlobAdapter
	Producer *messaging.JobProducer

	Tokens   *auth.TokenManager
	Connect  *auth.ConnectService
	Bus      *events.Bus
	Runner   *syncsvc.Runner
	Dirs     *mailbox.DirectoryCache
	Gmail    *syncsvc.GmailSyncService
	Imap     *syncsvc.ImapSyncService
	Actions  *email.ActionService
	Scans    *email.ScanService
	Send     *send.Service
	Watcher  *watch.Watcher
	WebPush  *push.WebPushSender
}

// NewDependencies builds the dependency graph and returns a cleanup that
// closes every client.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	db, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		db.Close()
		pool.Close()
		return nil, nil, err
	}
	mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
	if err != nil {
		db.Close()
		pool.Close()
		redisClient.Close()
		return nil, nil, err
	}
	cleanup := func() {
		db.Close()
		pool.Close()
		redisClient.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}

	guard := netguard.New(cfg.AllowPrivateNetworkTargets)

	// Persistence
	connectors := persistence.NewConnectorAdapter(db)
	messages := persistence.NewMessageAdapter(db)
	states := persistence.NewSyncStateAdapter(db, cfg.HeartbeatStale, cfg.ClaimStale)
	eventRepo := persistence.NewSyncEventAdapter(db)
	idem := persistence.NewSendIdempotencyAdapter(db)
	oauthStates := persistence.NewOAuthStateAdapter(db)
	pushSubs := persistence.NewPushSubscriptionAdapter(db)
	threads := persistence.NewThreadResolverAdapter(db)
	listener := persistence.NewPgEventListener(pool)

	// Blob store
	blobs := mongodb.NewBlobAdapter(mongoClient.Database(cfg.MongoDBName))
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := blobs.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("blob index creation failed")
		}
		cancel()
	}

	// Outbound providers
	gmailClient := gmailprovider.NewClient()
	imapDialer := imapprovider.NewDialer(guard, cfg.AllowInsecureMailTransport)
	smtpSender := smtpprovider.NewSender(guard, cfg.AllowInsecureMailTransport)
	mimeParser := parser.NewEnmimeParser()
	scanEngine := scanner.NewEngineScanner(cfg, blobs)

	webPush, err := push.NewWebPushSender(cfg, guard)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// Queue
	producer := messaging.NewJobProducer(redisClient, states)

	// Services
	tokens := auth.NewTokenManager(connectors, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	connect := auth.NewConnectService(oauthStates, connectors, producer, tokens, cfg.FrontendBaseURL)
	bus := events.NewBus(eventRepo, listener, pushSubs, webPush)
	runner := syncsvc.NewRunner(states, bus, cfg.HeartbeatInterval())
	dirs := mailbox.NewDirectoryCache()

	gmailSync := syncsvc.NewGmailSyncService(runner, states, messages, connectors, gmailClient, blobs, mimeParser, threads, producer, tokens, bus, cfg)
	imapSync := syncsvc.NewImapSyncService(runner, states, messages, connectors, imapDialer, dirs, blobs, mimeParser, threads, producer, tokens, bus, cfg)
	actions := email.NewActionService(messages, connectors, gmailClient, imapDialer, dirs, tokens, bus)
	scans := email.NewScanService(messages, scanEngine, blobs)
	sendService := send.NewService(idem, connectors, messages, gmailClient, smtpSender, imapDialer, dirs, tokens, bus, producer)
	watcher := watch.NewWatcher(connectors, imapDialer, dirs, tokens, producer, bus, cfg)

	return &Dependencies{
		Cfg:         cfg,
		DB:          db,
		PgxPool:     pool,
		Redis:       redisClient,
		Mongo:       mongoClient,
		Guard:       guard,
		Connectors:  connectors,
		Messages:    messages,
		States:      states,
		EventRepo:   eventRepo,
		Idempotency: idem,
		OAuthStates: oauthStates,
		PushSubs:    pushSubs,
		Threads:     threads,
		Blobs:       blobs,
		Producer:    producer,
		Tokens:      tokens,
		Connect:     connect,
		Bus:         bus,
		Runner:      runner,
		Dirs:        dirs,
		Gmail:       gmailSync,
		Imap:        imapSync,
		Actions:     actions,
		Scans:       scans,
		Send:        sendService,
		Watcher:     watcher,
		WebPush:     webPush,
	}, cleanup, nil
}
