package arrow

import (
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Command is an out-of-band instruction the engine forwards to the
// application when the server asks for it.
type Command int

const (
	// CommandResetServiceTable asks the application to rebuild its service
	// table from scratch.
	CommandResetServiceTable Command = iota
	// CommandScanNetwork asks the application to (re-)run network
	// discovery.
	CommandScanNetwork
)

func (c Command) String() string {
	switch c {
	case CommandResetServiceTable:
		return "ResetServiceTable"
	case CommandScanNetwork:
		return "ScanNetwork"
	default:
		return "Unknown"
	}
}

// CommandChannel is write-only from the engine's perspective.
type CommandChannel interface {
	Send(cmd Command)
}

// ChanCommandChannel is a CommandChannel backed by a buffered Go channel,
// the reference implementation used by the demo binary and by tests.
type ChanCommandChannel struct {
	ch chan Command
}

// NewChanCommandChannel returns a channel-backed CommandChannel with the
// given buffer size.
func NewChanCommandChannel(buffer int) *ChanCommandChannel {
	return &ChanCommandChannel{ch: make(chan Command, buffer)}
}

// Send enqueues cmd, dropping it if the buffer is full rather than blocking
// the engine's reactor.
func (c *ChanCommandChannel) Send(cmd Command) {
	select {
	case c.ch <- cmd:
	default:
	}
}

// Commands returns the receive side, for the application to consume.
func (c *ChanCommandChannel) Commands() <-chan Command {
	return c.ch
}

// ApplicationContext is the read-only collaborator the engine queries for
// device identity, the TLS connector, the service table, and diagnostic/scan
// state. None of its accessors require locking within the engine; any
// cross-thread coordination needed to keep them consistent is the
// implementation's responsibility.
type ApplicationContext interface {
	Logger() *slog.Logger
	ServiceTable() ServiceTable
	MACAddress() [6]byte
	UUID() [16]byte
	Password() [16]byte
	TLSConfig() (*tls.Config, error)
	Clock() clockwork.Clock
	DiagnosticMode() bool
	IsScanning() bool
	ScanReport() []byte
}

// MemoryContext is an in-memory ApplicationContext
// implementation suitable for the demo binary and for tests. Construct
// with NewMemoryContext and adjust with With* options.
type MemoryContext struct {
	mu sync.RWMutex

	logger     *slog.Logger
	table      ServiceTable
	mac        [6]byte
	uuid       [16]byte
	password   [16]byte
	tlsConfig  *tls.Config
	clock      clockwork.Clock
	diagnostic bool
	scanning   bool
	report     []byte
}

// ContextOption configures a MemoryContext at construction time.
type ContextOption func(*MemoryContext)

// NewMemoryContext builds a MemoryContext. If no UUID is supplied via
// WithUUID, a random one is minted.
func NewMemoryContext(mac [6]byte, password [16]byte, table ServiceTable, opts ...ContextOption) *MemoryContext {
	c := &MemoryContext{
		logger:   slog.Default(),
		table:    table,
		mac:      mac,
		password: password,
		clock:    clockwork.NewRealClock(),
	}
	generated := uuid.New()
	copy(c.uuid[:], generated[:])

	for _, o := range opts {
		o(c)
	}
	return c
}

// WithLogger sets the logger the engine will use.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *MemoryContext) { c.logger = l }
}

// WithUUID overrides the randomly generated device UUID.
func WithUUID(id [16]byte) ContextOption {
	return func(c *MemoryContext) { c.uuid = id }
}

// WithTLSConfig sets the *tls.Config the connection driver upgrades the raw
// TCP socket with.
func WithTLSConfig(cfg *tls.Config) ContextOption {
	return func(c *MemoryContext) { c.tlsConfig = cfg }
}

// WithClock overrides the clock, e.g. with a clockwork.FakeClock in tests.
func WithClock(clock clockwork.Clock) ContextOption {
	return func(c *MemoryContext) { c.clock = clock }
}

// WithDiagnosticMode enables diagnostic mode: a successful REGISTER
// immediately triggers a clean shutdown with an empty redirect target.
func WithDiagnosticMode(on bool) ContextOption {
	return func(c *MemoryContext) { c.diagnostic = on }
}

func (c *MemoryContext) Logger() *slog.Logger { return c.logger }

func (c *MemoryContext) ServiceTable() ServiceTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// SetServiceTable swaps the service table the context reports, e.g. after a
// ScanNetwork or ResetServiceTable command completes.
func (c *MemoryContext) SetServiceTable(table ServiceTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
}

func (c *MemoryContext) MACAddress() [6]byte { return c.mac }
func (c *MemoryContext) UUID() [16]byte      { return c.uuid }
func (c *MemoryContext) Password() [16]byte  { return c.password }

func (c *MemoryContext) TLSConfig() (*tls.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tlsConfig != nil {
		return c.tlsConfig.Clone(), nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}, nil
}

func (c *MemoryContext) Clock() clockwork.Clock { return c.clock }

func (c *MemoryContext) DiagnosticMode() bool { return c.diagnostic }

func (c *MemoryContext) IsScanning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanning
}

// SetScanning toggles whether STATUS replies report STATUS_FLAG_SCAN.
func (c *MemoryContext) SetScanning(scanning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = scanning
}

func (c *MemoryContext) ScanReport() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// SetScanReport updates the opaque report GET_SCAN_REPORT returns.
func (c *MemoryContext) SetScanReport(report []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = report
}
