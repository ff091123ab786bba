package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
)

const (
	// DefaultStream is used when no stream name is configured
	DefaultStream = "patientflow-transitions"
	// EntryEventType is the esdb event type of journal entries
	EntryEventType = "TransitionJournaled"
)

// KurrentSink appends entries to a single KurrentDB stream. The stream is
// append-only on the server side.
type KurrentSink struct {
	client *esdb.Client
	stream string

	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewKurrentSink creates a sink writing to stream.
func NewKurrentSink(client *esdb.Client, stream string) *KurrentSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &KurrentSink{client: client, stream: stream}
}

// DialKurrent connects to KurrentDB using an esdb:// connection string.
func DialKurrent(connectionString string) (*esdb.Client, error) {
	settings, err := esdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kurrentdb connection string: %w", err)
	}
	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create kurrentdb client: %w", err)
	}
	return client, nil
}

func (k *KurrentSink) Name() string { return "kurrentdb" }

// Initialize loads the chain head from the last event in the stream.
func (k *KurrentSink) Initialize(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.read(ctx, esdb.ReadStreamOptions{Direction: esdb.Backwards, From: esdb.End{}}, 1)
	if err != nil {
		return err
	}
	k.lastHash, k.sequence = "", 0
	if len(entries) > 0 {
		k.lastHash = entries[0].Hash
		k.sequence = entries[0].Sequence
	}
	return nil
}

func (k *KurrentSink) Append(ctx context.Context, entry *Entry) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	chain(entry, k.lastHash, k.sequence+1)

	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal journal entry")
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   EntryEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    []byte(fmt.Sprintf(`{"sequence":%d,"hash":%q}`, entry.Sequence, entry.Hash)),
	}

	if _, err := k.client.AppendToStream(ctx, k.stream, esdb.AppendToStreamOptions{}, eventData); err != nil {
		return apperrors.Wrap(err, "failed to append journal entry")
	}

	k.sequence = entry.Sequence
	k.lastHash = entry.Hash
	return nil
}

func (k *KurrentSink) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	// Read extra to leave room for filtering
	n := uint64(filter.limit()) * 10
	entries, err := k.read(ctx, esdb.ReadStreamOptions{Direction: esdb.Backwards, From: esdb.End{}}, n)
	if err != nil {
		return nil, err
	}

	out := []*Entry{}
	for _, e := range entries {
		if len(out) >= filter.limit() {
			break
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (k *KurrentSink) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := k.read(ctx, esdb.ReadStreamOptions{Direction: esdb.Forwards, From: esdb.Start{}}, ^uint64(0))
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}

func (k *KurrentSink) read(ctx context.Context, opts esdb.ReadStreamOptions, count uint64) ([]*Entry, error) {
	stream, err := k.client.ReadStream(ctx, k.stream, opts, count)
	if err != nil {
		if streamMissing(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to read journal stream")
	}
	defer stream.Close()

	var entries []*Entry
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if streamMissing(err) {
				break
			}
			return nil, apperrors.Wrap(err, "failed to read journal stream")
		}
		if event.Event == nil || event.Event.EventType != EntryEventType {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(event.Event.Data, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// streamMissing reports whether err means the stream has no events yet.
func streamMissing(err error) bool {
	esdbErr, ok := esdb.FromError(err)
	return !ok && esdbErr != nil && esdbErr.Code() == esdb.ErrorCodeResourceNotFound
}
