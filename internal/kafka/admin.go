package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol"
	"github.com/segmentio/kafka-go/sasl"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// ConfigSource tells where a broker-reported config value comes from.
type ConfigSource int8

// Config sources as reported by DescribeConfigs v1+
const (
	SourceUnknown              ConfigSource = 0
	SourceDynamicTopic         ConfigSource = 1
	SourceDynamicBroker        ConfigSource = 2
	SourceDynamicDefaultBroker ConfigSource = 3
	SourceStaticBroker         ConfigSource = 4
	SourceDefault              ConfigSource = 5
	SourceDynamicBrokerLogger  ConfigSource = 6
)

// ConfigEntry is one config value as described by a broker.
type ConfigEntry struct {
	Name      string
	Value     string
	Source    ConfigSource
	IsDefault bool
	ReadOnly  bool
	Sensitive bool
}

// Config contains broker admin client settings.
type Config struct {
	BootstrapServers []string
	ClientID         string
	RequestTimeout   time.Duration
	TLS              *tls.Config
	SASL             sasl.Mechanism

	// LegacyAlterConfigs forces the full-replace AlterConfigs API.
	LegacyAlterConfigs bool
}

// client is the subset of *kafka.Client used by Admin.
type client interface {
	ApiVersions(ctx context.Context, req *kafka.ApiVersionsRequest) (*kafka.ApiVersionsResponse, error)
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	DescribeConfigs(ctx context.Context, req *kafka.DescribeConfigsRequest) (*kafka.DescribeConfigsResponse, error)
	IncrementalAlterConfigs(ctx context.Context, req *kafka.IncrementalAlterConfigsRequest) (*kafka.IncrementalAlterConfigsResponse, error)
	AlterConfigs(ctx context.Context, req *kafka.AlterConfigsRequest) (*kafka.AlterConfigsResponse, error)
}

// Admin wraps Kafka admin operations
type Admin struct {
	client    client
	transport *kafka.Transport
	legacy    bool

	// incremental caches whether the cluster advertises
	// IncrementalAlterConfigs; nil until a broker answered ApiVersions.
	mu          sync.Mutex
	incremental *bool
}

// NewAdmin creates a new Kafka admin client and checks that the cluster answers.
// Failures are reported as *reconcile.ConnectionError.
func NewAdmin(ctx context.Context, cfg Config) (*Admin, error) {
	if len(cfg.BootstrapServers) == 0 {
		return nil, connectionError(errors.New("no brokers provided"))
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &kafka.Transport{
		ClientID:    cfg.ClientID,
		DialTimeout: timeout,
		TLS:         cfg.TLS,
		SASL:        cfg.SASL,
	}

	a := &Admin{
		client: &kafka.Client{
			Addr:      kafka.TCP(cfg.BootstrapServers...),
			Timeout:   timeout,
			Transport: transport,
		},
		transport: transport,
		legacy:    cfg.LegacyAlterConfigs,
	}

	md, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{}})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, connectionError(fmt.Errorf("failed to read cluster metadata: %w", err))
	}

	log.Info().
		Strs("bootstrap_servers", cfg.BootstrapServers).
		Str("cluster_id", md.ClusterID).
		Int("brokers", len(md.Brokers)).
		Msg("Connected to Kafka")
	return a, nil
}

// Close closes the admin connections
func (a *Admin) Close() error {
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	return nil
}

// BrokerAddr returns the address of a live broker, or reconcile.ErrResourceNotFound.
func (a *Admin) BrokerAddr(ctx context.Context, id int) (net.Addr, error) {
	md, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{}})
	if err != nil {
		return nil, classifyRead(err)
	}

	for _, b := range md.Brokers {
		if b.ID == id {
			return kafka.TCP(net.JoinHostPort(b.Host, strconv.Itoa(b.Port))), nil
		}
	}
	return nil, fmt.Errorf("broker %d: %w", id, reconcile.ErrResourceNotFound)
}

// DescribeConfigs returns every config entry of a resource. addr may be nil
// to let the client pick a broker.
func (a *Admin) DescribeConfigs(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr) ([]ConfigEntry, error) {
	resp, err := a.client.DescribeConfigs(ctx, &kafka.DescribeConfigsRequest{
		Addr: addr,
		Resources: []kafka.DescribeConfigRequestResource{{
			ResourceType: resourceType(ref.Kind),
			ResourceName: ref.Name,
		}},
	})
	if err != nil {
		return nil, classifyRead(err)
	}
	if len(resp.Resources) != 1 {
		return nil, fmt.Errorf("describe configs for %s: expected 1 resource, got %d: %w",
			ref, len(resp.Resources), reconcile.ErrUnavailable)
	}

	res := resp.Resources[0]
	if res.Error != nil {
		return nil, fmt.Errorf("describe configs for %s: %w", ref, classifyRead(res.Error))
	}

	entries := make([]ConfigEntry, 0, len(res.ConfigEntries))
	for _, e := range res.ConfigEntries {
		entries = append(entries, ConfigEntry{
			Name:      e.ConfigName,
			Value:     e.ConfigValue,
			Source:    ConfigSource(e.ConfigSource),
			IsDefault: e.IsDefault,
			ReadOnly:  e.ReadOnly,
			Sensitive: e.IsSensitive,
		})
	}
	return entries, nil
}

// ApplyDiff issues one alter-config request for the whole diff. When the
// cluster does not advertise IncrementalAlterConfigs (or legacy mode is
// forced) it uses the full-replace AlterConfigs call instead, sending the
// merged override set obtained from overrides.
func (a *Admin) ApplyDiff(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr, diff reconcile.ConfigDiff, overrides func(context.Context) (map[string]string, error)) error {
	if !a.legacy {
		incremental, err := a.supportsIncremental(ctx, addr)
		if err != nil {
			return fmt.Errorf("alter configs for %s: %w", ref, err)
		}
		if incremental {
			return a.incrementalAlter(ctx, ref, addr, diff)
		}
	}

	current, err := overrides(ctx)
	if err != nil {
		return err
	}
	return a.legacyAlter(ctx, ref, addr, diff.Merge(current))
}

// supportsIncremental asks a broker for its API versions once per Admin.
// kafka-go sends requests for unadvertised APIs anyway, and old brokers
// answer them by closing the connection.
func (a *Admin) supportsIncremental(ctx context.Context, addr net.Addr) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.incremental != nil {
		return *a.incremental, nil
	}

	resp, err := a.client.ApiVersions(ctx, &kafka.ApiVersionsRequest{Addr: addr})
	if err == nil {
		err = resp.Error
	}
	if err != nil {
		return false, fmt.Errorf("api versions: %w", classifyRead(err))
	}

	supported := false
	for _, k := range resp.ApiKeys {
		if k.ApiKey == int(protocol.IncrementalAlterConfigs) {
			supported = true
			break
		}
	}
	if !supported {
		log.Warn().Msg("Cluster does not support IncrementalAlterConfigs, falling back to AlterConfigs")
	}
	a.incremental = &supported
	return supported, nil
}

func (a *Admin) incrementalAlter(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr, diff reconcile.ConfigDiff) error {
	resp, err := a.client.IncrementalAlterConfigs(ctx, buildIncrementalRequest(ref, addr, diff))
	if err != nil {
		return classifyApply(ref, err)
	}
	for _, r := range resp.Resources {
		if r.Error != nil {
			return classifyApply(ref, r.Error)
		}
	}
	return nil
}

func (a *Admin) legacyAlter(ctx context.Context, ref reconcile.ResourceRef, addr net.Addr, overrides map[string]string) error {
	resp, err := a.client.AlterConfigs(ctx, buildLegacyRequest(ref, addr, overrides))
	if err != nil {
		return classifyApply(ref, err)
	}
	for _, e := range resp.Errors {
		if e != nil {
			return classifyApply(ref, e)
		}
	}
	return nil
}

func buildIncrementalRequest(ref reconcile.ResourceRef, addr net.Addr, diff reconcile.ConfigDiff) *kafka.IncrementalAlterConfigsRequest {
	configs := make([]kafka.IncrementalAlterConfigsRequestConfig, 0, len(diff))
	for _, op := range diff {
		c := kafka.IncrementalAlterConfigsRequestConfig{Name: op.Key}
		switch op.Type {
		case reconcile.OpSet:
			c.Value = op.Value
			c.ConfigOperation = kafka.ConfigOperationSet
		case reconcile.OpDelete:
			c.ConfigOperation = kafka.ConfigOperationDelete
		}
		configs = append(configs, c)
	}

	return &kafka.IncrementalAlterConfigsRequest{
		Addr: addr,
		Resources: []kafka.IncrementalAlterConfigsRequestResource{{
			ResourceType: resourceType(ref.Kind),
			ResourceName: ref.Name,
			Configs:      configs,
		}},
	}
}

func buildLegacyRequest(ref reconcile.ResourceRef, addr net.Addr, overrides map[string]string) *kafka.AlterConfigsRequest {
	configs := make([]kafka.AlterConfigRequestConfig, 0, len(overrides))
	for k, v := range overrides {
		configs = append(configs, kafka.AlterConfigRequestConfig{Name: k, Value: v})
	}

	return &kafka.AlterConfigsRequest{
		Addr: addr,
		Resources: []kafka.AlterConfigRequestResource{{
			ResourceType: resourceType(ref.Kind),
			ResourceName: ref.Name,
			Configs:      configs,
		}},
	}
}

func resourceType(kind reconcile.Kind) kafka.ResourceType {
	if kind == reconcile.KindBroker {
		return kafka.ResourceTypeBroker
	}
	return kafka.ResourceTypeTopic
}

// classifyRead maps read failures onto the reconcile error taxonomy.
func classifyRead(err error) error {
	var kerr kafka.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &kerr):
		if kerr == kafka.UnknownTopicOrPartition {
			return fmt.Errorf("%w: %w", reconcile.ErrResourceNotFound, err)
		}
		if retriable(kerr) {
			return fmt.Errorf("%w: %w", reconcile.ErrUnavailable, err)
		}
		return err
	default:
		// network errors and timeouts
		return fmt.Errorf("%w: %w", reconcile.ErrUnavailable, err)
	}
}

// classifyApply splits alter failures into rejected and unavailable.
func classifyApply(ref reconcile.ResourceRef, err error) error {
	var kerr kafka.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &kerr):
		if kerr == kafka.UnknownTopicOrPartition {
			return reconcile.Rejected(ref, fmt.Errorf("%w: %w", reconcile.ErrResourceNotFound, err))
		}
		if retriable(kerr) {
			return reconcile.Unavailable(ref, err)
		}
		return reconcile.Rejected(ref, err)
	default:
		return reconcile.Unavailable(ref, err)
	}
}

// retriable widens kafka.Error.Temporary with codes a broker returns while
// it is restarting or moving leadership.
func retriable(kerr kafka.Error) bool {
	switch kerr {
	case kafka.BrokerNotAvailable, kafka.RequestTimedOut, kafka.NotController, kafka.LeaderNotAvailable:
		return true
	}
	return kerr.Temporary()
}

func connectionError(err error) error {
	return &reconcile.ConnectionError{Target: "kafka", Err: err}
}
