// Package kafka adapts the teacher's internal/sinks/kafka_sink.go (sarama
// producer config, SASL/SCRAM wiring, compression selection) into the
// dispatcher.BackendClient[*types.LogEntry] capability set (spec §4.3's
// "small capability set" redesign note, §9): SizeOf, BuildRequest, Submit,
// Name. The dispatcher owns batching, retry and throttling; this package
// only knows how to turn one Batch into Kafka ProducerMessages and turn
// Kafka's per-message send errors into the spec §7 taxonomy.
package kafka

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamship/internal/core/dispatcher"
	"streamship/internal/core/envelope"
	applog "streamship/pkg/errors"
	"streamship/pkg/types"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// perRecordOverhead approximates Kafka's per-message framing overhead, the
// same "fixed per-record overhead" shape spec §6 calls out for log events.
const perRecordOverhead = 26

// Config configures one Kafka backend client.
type Config struct {
	Brokers       []string
	Topic         string
	RequiredAcks  sarama.RequiredAcks
	Compression   string // none, gzip, snappy, lz4, zstd
	MaxBatchBytes int64
	MaxSpan       time.Duration

	SASL     bool
	SASLUser string
	SASLPass string
	SASLAlgo string // SCRAM-SHA-256 or SCRAM-SHA-512
	TLS      bool
}

// Client is a dispatcher.BackendClient backed by a sarama.SyncProducer.
// SyncProducer.SendMessages returns a sarama.ProducerErrors for the subset
// of messages Kafka rejected, which maps directly onto the dispatcher's
// PartialFailure outcome.
type Client struct {
	cfg      Config
	producer sarama.SyncProducer
}

// New dials the configured brokers and returns a ready Client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka backend: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka backend: no topic configured")
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = cfg.RequiredAcks
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.TLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.SASL {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPass
		sc.Net.SASL.Handshake = true
		if strings.EqualFold(cfg.SASLAlgo, "SCRAM-SHA-512") {
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha512.New}
			}
		} else {
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha256.New}
			}
		}
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka backend: %w", err)
	}

	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 1 << 20 // Kafka's default message.max.bytes is 1MB
	}

	return &Client{cfg: cfg, producer: producer}, nil
}

// Close releases the underlying producer.
func (c *Client) Close() error { return c.producer.Close() }

func (c *Client) Name() string           { return "kafka:" + c.cfg.Topic }
func (c *Client) MaxBatchBytes() int64   { return c.cfg.MaxBatchBytes }
func (c *Client) MaxSpan() time.Duration { return c.cfg.MaxSpan }

// Ping is the failover controller's reachability probe. It only checks that
// a producer has been configured; it does not contact any broker, so an
// unreachable cluster still passes the probe.
func (c *Client) Ping(_ context.Context) error {
	if c == nil || c.producer == nil {
		return fmt.Errorf("kafka backend: not configured")
	}
	return nil
}

// SizeOf returns the JSON-encoded payload size plus Kafka's framing
// overhead; a record this backend can't encode is reported as oversize so
// the queue drops it rather than enqueueing something BuildRequest can't
// serialize later.
func (c *Client) SizeOf(e envelope.Envelope[*types.LogEntry]) int64 {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return c.cfg.MaxBatchBytes + 1
	}
	return int64(len(data)) + perRecordOverhead
}

type kafkaRequest struct {
	messages []*sarama.ProducerMessage
}

// BuildRequest JSON-encodes each envelope's payload into a ProducerMessage
// keyed by source so records from one source land on the same partition,
// preserving that source's order within Kafka (spec §5: "within one
// dispatcher sub-queue, submissions occur in order").
func (c *Client) BuildRequest(_ context.Context, b envelope.Batch[*types.LogEntry]) (any, error) {
	msgs := make([]*sarama.ProducerMessage, 0, len(b.Items))
	for _, e := range b.Items {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("kafka backend: encode record: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     c.cfg.Topic,
			Key:       sarama.StringEncoder(e.BookmarkKey),
			Value:     sarama.ByteEncoder(data),
			Timestamp: e.Timestamp,
		})
	}
	return kafkaRequest{messages: msgs}, nil
}

// Submit sends the batch and classifies sarama's response per spec §7: a
// partial sarama.ProducerErrors becomes PartialFailure; everything else is
// classified by classifyErr.
func (c *Client) Submit(_ context.Context, req any) (dispatcher.Response, error) {
	r := req.(kafkaRequest)
	err := c.producer.SendMessages(r.messages)
	if err == nil {
		return dispatcher.Response{Outcome: dispatcher.AllAccepted}, nil
	}

	if perrs, ok := err.(sarama.ProducerErrors); ok {
		if len(perrs) == len(r.messages) {
			return dispatcher.Response{Outcome: dispatcher.RecoverableError, Err: classifyErr(perrs[0].Err)}, nil
		}
		indices := make([]int, 0, len(perrs))
		for _, pe := range perrs {
			for i, m := range r.messages {
				if m == pe.Msg {
					indices = append(indices, i)
					break
				}
			}
		}
		return dispatcher.Response{Outcome: dispatcher.PartialFailure, FailedIndices: indices, Err: classifyErr(perrs[0].Err)}, nil
	}

	return dispatcher.Response{Outcome: dispatcher.RecoverableError, Err: classifyErr(err)}, nil
}

// classifyErr maps sarama's sentinel errors onto the spec §7 error kinds.
func classifyErr(err error) *applog.AppError {
	if err == nil {
		return applog.DispatchError(applog.KindRecoverableTransport, "kafka", "submit", "unknown error")
	}
	switch err {
	case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage:
		return applog.DispatchError(applog.KindNonRecoverableInput, "kafka", "submit", err.Error())
	case sarama.ErrNotLeaderForPartition, sarama.ErrLeaderNotAvailable, sarama.ErrRequestTimedOut, sarama.ErrBrokerNotAvailable:
		return applog.DispatchError(applog.KindRecoverableTransport, "kafka", "submit", err.Error())
	case sarama.ErrTopicAuthorizationFailed, sarama.ErrClusterAuthorizationFailed, sarama.ErrSASLAuthenticationFailed:
		return applog.DispatchError(applog.KindNonRecoverableFatal, "kafka", "submit", err.Error())
	default:
		return applog.DispatchError(applog.KindRecoverableTransport, "kafka", "submit", err.Error())
	}
}

// scramClient implements sarama.SCRAMClient via github.com/xdg-go/scram,
// adapted from the teacher's internal/sinks/kafka_scram.go.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *scramClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *scramClient) Step(challenge string) (string, error) { return x.ClientConversation.Step(challenge) }
func (x *scramClient) Done() bool                             { return x.ClientConversation.Done() }
