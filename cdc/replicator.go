package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ScorpiusDraconis83/realtime/encoding"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"
)

// Retry/backoff constants, carried over verbatim from the teacher's
// publisher.Worker (sink publish retry -> WAL stream reconnect retry).
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0

	standbyMessageTimeout = 10 * time.Second
	outputPlugin          = "pgoutput"
)

// Config configures a Replicator for one tenant's Postgres database.
type Config struct {
	TenantID        string
	ConnString      string // must include ?replication=database
	SlotName        string
	PublicationName string
	Tables          []string // empty = FOR ALL TABLES
	DataDir         string
	Filter          Filter
	Transformer     Transformer
	Dispatcher      Dispatcher
	Topic           func(schema, table string) string
}

// Replicator streams logical-replication changes for one tenant and
// dispatches them through Decode -> Transform -> Filter -> Dispatch -> Ack,
// satisfying supervisor.Replicator.
type Replicator struct {
	cfg Config
	log *ReplayLog

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
	mu      sync.Mutex
}

// NewReplicator creates a replicator for cfg.TenantID. The replay log is
// opened eagerly so slot provisioning and replay-on-restart share one
// durability boundary.
func NewReplicator(cfg Config) (*Replicator, error) {
	if cfg.Topic == nil {
		cfg.Topic = func(schema, table string) string { return fmt.Sprintf("%s:%s", schema, table) }
	}

	rl, err := NewReplayLog(cfg.DataDir, cfg.TenantID)
	if err != nil {
		return nil, err
	}

	return &Replicator{cfg: cfg, log: rl}, nil
}

// Start launches the replication loop in a background goroutine.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}
	r.running.Store(true)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.runLoop(ctx)
	return nil
}

// Stop halts the replication loop and closes the replay log.
func (r *Replicator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.running.Store(false)
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Str("tenant", r.cfg.TenantID).Msg("cdc: failed to close replay log")
	}
}

func (r *Replicator) runLoop(ctx context.Context) {
	defer close(r.doneCh)

	delay := DefaultRetryInitial
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		err := r.streamOnce(ctx)
		if err == nil {
			return // clean shutdown via context cancellation
		}

		telemetry.CDCReconnectsTotal.With("error").Inc()
		log.Warn().Err(err).Str("tenant", r.cfg.TenantID).Dur("retry_delay", delay).Msg("cdc: replication stream failed, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * DefaultRetryMultiplier)
		if delay > DefaultRetryMax {
			delay = DefaultRetryMax
		}
	}
}

// streamOnce provisions the slot/publication if needed, then streams
// logical replication messages until the connection fails or ctx is done.
func (r *Replicator) streamOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("cdc: connect replication: %w", err)
	}
	defer conn.Close(ctx)

	if err := r.provision(ctx, conn); err != nil {
		return err
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("cdc: identify system: %w", err)
	}

	startLSN := pglogrepl.LSN(r.log.Cursor())
	if startLSN == 0 {
		startLSN = sysident.XLogPos
	}

	pluginArgs := []string{"proto_version '2'", fmt.Sprintf("publication_names '%s'", r.cfg.PublicationName)}
	if err := pglogrepl.StartReplication(ctx, conn, r.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("cdc: start replication: %w", err)
	}
	telemetry.CDCReconnectsTotal.With("ok").Inc()

	rc := newRelationCache()
	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(standbyMessageTimeout)
	var lastCommitTS time.Time

	for {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return fmt.Errorf("cdc: send standby status: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("cdc: receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("cdc: server error: %s", errMsg.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("cdc: parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("cdc: parse xlog data: %w", err)
			}

			if len(xld.WALData) > 0 && xld.WALData[0] == 'B' {
				lastCommitTS = xld.ServerTime
			}

			change, err := rc.decodeMessage(xld.WALData, lastCommitTS)
			if err != nil {
				log.Warn().Err(err).Str("tenant", r.cfg.TenantID).Msg("cdc: failed to decode WAL message, skipping")
			} else if change != nil {
				change.LSN = uint64(xld.WALStart)
				r.process(*change)
			}

			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
		}
	}
}

func (r *Replicator) process(change CDCChange) {
	telemetry.CDCEventsTotal.With(change.Operation.String()).Inc()

	if r.cfg.Transformer != nil {
		change = r.cfg.Transformer.Transform(change)
	}
	if r.cfg.Filter != nil && !r.cfg.Filter.Match(change) {
		return
	}

	seq, err := r.log.Append(&change)
	if err != nil {
		log.Error().Err(err).Str("tenant", r.cfg.TenantID).Msg("cdc: failed to append to replay log")
		return
	}

	payload, err := encoding.Marshal(change)
	if err != nil {
		log.Error().Err(err).Str("tenant", r.cfg.TenantID).Msg("cdc: failed to marshal change")
		return
	}

	topic := r.cfg.Topic(change.Schema, change.Table)
	r.cfg.Dispatcher.EmitCDC(topic, change.Schema, change.Table, change.Operation.String(), change.Record, payload)
	telemetry.CDCDispatchedTotal.Inc()
	telemetry.CDCCommitToDispatchSeconds.Observe(time.Since(change.CommitTS).Seconds())

	if err := r.log.AdvanceCursor(seq); err != nil {
		log.Warn().Err(err).Str("tenant", r.cfg.TenantID).Uint64("seq", seq).Msg("cdc: failed to advance cursor after dispatch")
	}
}

// provision idempotently creates the tenant's publication and replication
// slot if they don't already exist.
func (r *Replicator) provision(ctx context.Context, conn *pgconn.PgConn) error {
	createPub := "CREATE PUBLICATION " + pgQuoteIdent(r.cfg.PublicationName)
	if len(r.cfg.Tables) == 0 {
		createPub += " FOR ALL TABLES"
	} else {
		createPub += " FOR TABLE " + joinIdents(r.cfg.Tables)
	}

	result := conn.Exec(ctx, createPub)
	if _, err := result.ReadAll(); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("cdc: create publication: %w", err)
	}

	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.SlotName, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("cdc: create replication slot: %w", err)
	}

	return nil
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710" // duplicate_object
	}
	return false
}

func pgQuoteIdent(s string) string {
	return `"` + s + `"`
}

func joinIdents(tables []string) string {
	out := ""
	for i, t := range tables {
		if i > 0 {
			out += ", "
		}
		out += pgQuoteIdent(t)
	}
	return out
}
