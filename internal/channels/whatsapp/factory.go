package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/pkg/models"
)

var setOSInfo sync.Once

// Factory builds whatsmeow clients, one credential database per tenant.
type Factory struct {
	config Config
	logger *slog.Logger
}

var _ channels.ClientFactory = (*Factory)(nil)

// NewFactory creates a client factory.
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	setOSInfo.Do(func() {
		store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})
	})
	return &Factory{config: cfg, logger: logger}, nil
}

// StorePath returns the credential database path inside a tenant directory.
func (f *Factory) StorePath(storageDir string) string {
	return filepath.Join(storageDir, f.config.StoreFile)
}

// NewClient opens the tenant's credential database and builds an
// unconnected client. Credentials persisted by an earlier pairing are
// reused, so a restarted tenant reconnects without pairing again.
func (f *Factory) NewClient(ctx context.Context, spec channels.ClientSpec) (channels.Client, error) {
	if spec.StorageDir == "" {
		return nil, fmt.Errorf("whatsapp: storage dir is required for tenant %s", spec.TenantID)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", f.StorePath(spec.StorageDir))
	container, err := sqlstore.New(ctx, f.config.StoreDriver, dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnects are supervised by the registry so they stay observable.
	wa.EnableAutoReconnect = false

	if spec.Logger == nil {
		spec.Logger = f.logger.With("tenant_id", spec.TenantID)
	}
	client := newClient(spec, &meowConn{cli: wa}, f.config, container.Close)
	wa.AddEventHandler(client.handleEvent)
	return client, nil
}

// meowConn adapts *whatsmeow.Client to conn.
type meowConn struct {
	cli *whatsmeow.Client
}

func (m *meowConn) Connect() error { return m.cli.Connect() }

func (m *meowConn) Disconnect() { m.cli.Disconnect() }

func (m *meowConn) Paired() bool { return m.cli.Store.ID != nil }

func (m *meowConn) Identity() models.Identity {
	return models.Identity{
		Name:   m.cli.Store.PushName,
		Handle: handleFromJID(m.cli.Store.ID),
	}
}

func (m *meowConn) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return m.cli.GetQRChannel(ctx)
}

func (m *meowConn) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	return m.cli.SendMessage(ctx, to, msg)
}
