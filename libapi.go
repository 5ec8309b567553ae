package plasmido

import (
	"context"
	"io"
	"log/slog"

	runtimepkg "github.com/theam/plasmido/internal/runtime"
	apipkg "github.com/theam/plasmido/internal/runtime/api"
	brokerpkg "github.com/theam/plasmido/internal/runtime/broker"
	catalogpkg "github.com/theam/plasmido/internal/runtime/catalog"
	configpkg "github.com/theam/plasmido/internal/runtime/config"
	docstorepkg "github.com/theam/plasmido/internal/runtime/docstore"
	enginepkg "github.com/theam/plasmido/internal/runtime/engine"
	errspkg "github.com/theam/plasmido/internal/runtime/errors"
	jsoncodec "github.com/theam/plasmido/internal/runtime/jsoncodec"
	loggingpkg "github.com/theam/plasmido/internal/runtime/logging"
	metadatapkg "github.com/theam/plasmido/internal/runtime/metadata"
	"github.com/theam/plasmido/internal/runtime/models"
	notifypkg "github.com/theam/plasmido/internal/runtime/notify"
	variablespkg "github.com/theam/plasmido/internal/runtime/variables"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceStats        = runtimepkg.ServiceStats
	ResourceUsage       = runtimepkg.ResourceUsage
	WorkbookFile        = runtimepkg.WorkbookFile

	Engine        = enginepkg.Engine
	EngineOptions = enginepkg.Options
	EngineMetrics = enginepkg.Metrics
	TaskResult    = enginepkg.TaskResult

	Catalog      = catalogpkg.Catalog
	StoreBackend = docstorepkg.Backend
	StoreOptions = docstorepkg.Options

	BrokerRegistry = brokerpkg.Registry
	BrokerClient   = brokerpkg.Client
	BrokerMessage  = brokerpkg.Message

	Dispatcher                = apipkg.Dispatcher
	Command                   = apipkg.Command
	CommandFunc[T any, O any] = apipkg.CommandFunc[T, O]
	ServerOptions             = apipkg.ServerOptions

	Event       = notifypkg.Event
	Notifier    = notifypkg.Notifier
	Broadcaster = notifypkg.Broadcaster

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	VariableBinding = variablespkg.Binding

	// Catalog and execution records
	Broker              = models.Broker
	SecurityProtocol    = models.SecurityProtocol
	SchemaRegistry      = models.SchemaRegistry
	RegistrySecurity    = models.RegistrySecurity
	Environment         = models.Environment
	EnvironmentVariable = models.EnvironmentVariable
	User                = models.User
	Workbook            = models.Workbook
	WorkbookAction      = models.WorkbookAction
	RunStatus           = models.RunStatus
	Artifact            = models.Artifact
	ArtifactType        = models.ArtifactType
	SchemaType          = models.SchemaType
	PayloadSchema       = models.PayloadSchema
	ConsumeFrom         = models.ConsumeFrom
	ExecutionWorkbook   = models.ExecutionWorkbook
	ExecutionArtifact   = models.ExecutionArtifact
	ExecutionStart      = models.ExecutionStart
	ConsumedEvent       = models.ConsumedEvent
	SourceMessage       = models.SourceMessage

	ConfigurationError = errspkg.ConfigurationError
	ConnectionError    = errspkg.ConnectionError
	PanicError         = errspkg.PanicError
)

const (
	ActionNone = models.ActionNone
	ActionRun  = models.ActionRun
	ActionStop = models.ActionStop

	StatusRunning = models.StatusRunning
	StatusStopped = models.StatusStopped

	ArtifactProducer = models.ArtifactProducer
	ArtifactConsumer = models.ArtifactConsumer

	SchemaPlain = models.SchemaPlain
	SchemaAvro  = models.SchemaAvro
	SchemaJSON  = models.SchemaJSON

	ConsumeFromNow       = models.ConsumeFromNow
	ConsumeFromBeginning = models.ConsumeFromBeginning

	EventWorkbookStarted  = notifypkg.EventWorkbookStarted
	EventWorkbookStopped  = notifypkg.EventWorkbookStopped
	EventProducerProduced = notifypkg.EventProducerProduced
	EventConsumerConsumed = notifypkg.EventConsumerConsumed
)

var (
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrNotFound            = errspkg.ErrNotFound
	ErrDuplicateEvent      = errspkg.ErrDuplicateEvent
	ErrTaskPanicked        = errspkg.ErrTaskPanicked
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrWorkbookRequired    = errspkg.ErrWorkbookRequired
	ErrWorkbookRunning     = errspkg.ErrWorkbookRunning
	ErrSchemaIDRequired    = errspkg.ErrSchemaIDRequired
	ErrRegistryUnavailable = errspkg.ErrRegistryUnavailable
	ErrUnknownCommand      = errspkg.ErrUnknownCommand
	ErrBrokerListRequired  = errspkg.ErrBrokerListRequired
)

// NewService constructs a Service for the supplied configuration.
func NewService(ctx context.Context, conf *Config, log ServiceLogger, deps ServiceDependencies) (*Service, error) {
	return runtimepkg.NewService(ctx, conf, log, deps)
}

// LoadConfig reads the configuration from PLASMIDO_* environment variables.
func LoadConfig() (*Config, error) {
	return configpkg.Load()
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	return configpkg.Default()
}

func LoadWorkbookFile(path string) (WorkbookFile, error) {
	return runtimepkg.LoadWorkbookFile(path)
}

func ReadWorkbookFile(r io.Reader) (WorkbookFile, error) {
	return runtimepkg.ReadWorkbookFile(r)
}

// OpenStore opens the catalog backend named by opts.Driver.
func OpenStore(ctx context.Context, opts StoreOptions) (StoreBackend, error) {
	return docstorepkg.Open(ctx, opts)
}

func NewCatalog(backend StoreBackend) *Catalog {
	return catalogpkg.New(backend)
}

// NewEngine builds an engine over cat. Use NewService to get one wired to the
// configuration.
func NewEngine(cat *Catalog, opts EngineOptions) *Engine {
	return enginepkg.New(cat, opts)
}

func EngineOptionsFromConfig(conf *Config) EngineOptions {
	return enginepkg.OptionsFromConfig(conf)
}

// RegisterBroker adds a broker client implementation to the default registry.
func RegisterBroker(name string, builder brokerpkg.Builder) {
	brokerpkg.Register(name, builder)
}

func NewDispatcher(log ServiceLogger) *Dispatcher {
	return apipkg.NewDispatcher(log)
}

// RegisterCommand adds a typed command to d.
func RegisterCommand[T any, O any](d *Dispatcher, name string, fn CommandFunc[T, O]) {
	apipkg.Register(d, name, fn)
}

// ConsumerGroupID is the consumer group used for an execution artifact.
func ConsumerGroupID(executionArtifactID string) string {
	return enginepkg.ConsumerGroupID(executionArtifactID)
}

// Substitute replaces {{ token }} placeholders with the bound values.
func Substitute(template string, bindings []VariableBinding) string {
	return variablespkg.Substitute(template, bindings)
}

func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(log)
}

// NewLogger builds a slog logger for a level ("trace", "debug", "info",
// "warn", "error") and a format ("text" or "json").
func NewLogger(level, format string) *slog.Logger {
	return loggingpkg.New(level, format)
}

func IsConnectionError(err error) bool {
	return errspkg.IsConnectionError(err)
}

func IsConfigurationError(err error) bool {
	return errspkg.IsConfigurationError(err)
}

func Marshal(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return jsoncodec.Unmarshal(data, v)
}
