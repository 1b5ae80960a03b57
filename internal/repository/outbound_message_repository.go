// internal/repository/outbound_message_repository.go
package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// OutboundMessageRepository persists messages and their recipients. Every
// state transition is a typed update guarded by the expected current status,
// so a transition raced by another worker affects zero rows instead of
// clobbering newer state. Callers check the returned bool.
type OutboundMessageRepository struct {
	DB *sql.DB
}

const messageColumns = `
	id, domain_name, message_id, message, message_size, priority, is_newsletter,
	status, spam_score, spam_check_response, is_spam, failed_count, retry_after,
	error_message, error_log, agent, queue_id,
	created_at, received_at, received_after,
	processed_at, processed_after,
	transfer_started_at, transfer_started_after,
	transfer_completed_at, transfer_completed_after`

// Create inserts the message and its recipients in one transaction.
func (r *OutboundMessageRepository) Create(msg *model.OutboundMessage) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO outbound_messages
		(id, domain_name, message_id, message, message_size, priority, is_newsletter,
		 status, created_at, received_at, received_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(
		query,
		msg.ID,
		msg.DomainName,
		msg.MessageID,
		msg.Message,
		msg.MessageSize,
		msg.Priority,
		msg.IsNewsletter,
		msg.Status,
		msg.CreatedAt,
		msg.ReceivedAt,
		msg.ReceivedAfter,
	)
	if err != nil {
		return err
	}

	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		rcpt.MessageID = msg.ID
		err = tx.QueryRow(
			`INSERT INTO message_recipients (message_id, email) VALUES ($1, $2) RETURNING id`,
			msg.ID, rcpt.Email,
		).Scan(&rcpt.ID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID fetches a message with its recipients in insertion order.
func (r *OutboundMessageRepository) GetByID(id string) (*model.OutboundMessage, error) {
	return r.getOne(`WHERE id = $1`, id)
}

// GetByQueueID locates a message by the transfer agent's queue id.
func (r *OutboundMessageRepository) GetByQueueID(queueID string) (*model.OutboundMessage, error) {
	return r.getOne(`WHERE queue_id = $1`, queueID)
}

func (r *OutboundMessageRepository) getOne(where string, arg any) (*model.OutboundMessage, error) {
	var msg model.OutboundMessage
	err := r.DB.QueryRow(`SELECT `+messageColumns+` FROM outbound_messages `+where, arg).Scan(
		&msg.ID,
		&msg.DomainName,
		&msg.MessageID,
		&msg.Message,
		&msg.MessageSize,
		&msg.Priority,
		&msg.IsNewsletter,
		&msg.Status,
		&msg.SpamScore,
		&msg.SpamCheckResponse,
		&msg.IsSpam,
		&msg.FailedCount,
		&msg.RetryAfter,
		&msg.ErrorMessage,
		&msg.ErrorLog,
		&msg.Agent,
		&msg.QueueID,
		&msg.CreatedAt,
		&msg.ReceivedAt,
		&msg.ReceivedAfter,
		&msg.ProcessedAt,
		&msg.ProcessedAfter,
		&msg.TransferStartedAt,
		&msg.TransferStartedAfter,
		&msg.TransferCompletedAt,
		&msg.TransferCompletedAfter,
	)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewMessageNotFound(asString(arg))
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(`
		SELECT id, message_id, email, status, retries, action_at, action_after, response, error_message
		FROM message_recipients
		WHERE message_id = $1
		ORDER BY id
	`, msg.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rcpt model.Recipient
		err = rows.Scan(
			&rcpt.ID,
			&rcpt.MessageID,
			&rcpt.Email,
			&rcpt.Status,
			&rcpt.Retries,
			&rcpt.ActionAt,
			&rcpt.ActionAfter,
			&rcpt.Response,
			&rcpt.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		msg.Recipients = append(msg.Recipients, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &msg, nil
}

func asString(arg any) string {
	if s, ok := arg.(string); ok {
		return s
	}
	return ""
}

// ProcessedUpdate is the outcome of the policy gate.
type ProcessedUpdate struct {
	Status            string // Accepted or Blocked
	ErrorMessage      string
	SpamScore         float64
	SpamCheckResponse string
	IsSpam            bool
	ProcessedAt       time.Time
	ProcessedAfter    float64
}

// MarkProcessed applies the gate outcome. Only valid while the message is
// still In Progress.
func (r *OutboundMessageRepository) MarkProcessed(id string, u ProcessedUpdate) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, error_message=$3, spam_score=$4, spam_check_response=$5,
		    is_spam=$6, processed_at=$7, processed_after=$8
		WHERE id=$1 AND status=$9
	`, id, u.Status, u.ErrorMessage, u.SpamScore, u.SpamCheckResponse,
		u.IsSpam, u.ProcessedAt, u.ProcessedAfter, model.StatusInProgress)
	return oneRow(res, err)
}

// MarkAccepted is the operator force-accept: In Progress or Blocked becomes
// Accepted with error fields cleared.
func (r *OutboundMessageRepository) MarkAccepted(id string, processedAt time.Time, processedAfter float64) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, error_message='', error_log='', processed_at=$3, processed_after=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, model.StatusAccepted, processedAt, processedAfter,
		pq.Array([]string{model.StatusInProgress, model.StatusBlocked}))
	return oneRow(res, err)
}

// MarkRetryFailed resets a Failed message to Accepted while its failure count
// is under the ceiling. failed_count is deliberately preserved.
func (r *OutboundMessageRepository) MarkRetryFailed(id string, maxFailed int) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, error_message='', error_log=''
		WHERE id=$1 AND status=$3 AND failed_count < $4
	`, id, model.StatusAccepted, model.StatusFailed, maxFailed)
	return oneRow(res, err)
}

// MarkRetryBounced resets a Bounced message to Accepted.
func (r *OutboundMessageRepository) MarkRetryBounced(id string) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, error_message='', error_log=''
		WHERE id=$1 AND status=$3
	`, id, model.StatusAccepted, model.StatusBounced)
	return oneRow(res, err)
}

// QueuingUpdate starts a broker handoff.
type QueuingUpdate struct {
	TransferStartedAt    time.Time
	TransferStartedAfter float64
}

// MarkQueuing moves a message into Queuing (RMQ). With a non-empty from list
// the update only applies while the status matches; force paths pass nil.
func (r *OutboundMessageRepository) MarkQueuing(id string, from []string, u QueuingUpdate) (bool, error) {
	if len(from) == 0 {
		res, err := r.DB.Exec(`
			UPDATE outbound_messages
			SET status=$2, transfer_started_at=$3, transfer_started_after=$4
			WHERE id=$1
		`, id, model.StatusQueuing, u.TransferStartedAt, u.TransferStartedAfter)
		return oneRow(res, err)
	}
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, transfer_started_at=$3, transfer_started_after=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, model.StatusQueuing, u.TransferStartedAt, u.TransferStartedAfter, pq.Array(from))
	return oneRow(res, err)
}

// QueuedUpdate completes a broker handoff.
type QueuedUpdate struct {
	TransferCompletedAt    time.Time
	TransferCompletedAfter float64
}

func (r *OutboundMessageRepository) MarkQueued(id string, u QueuedUpdate) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, transfer_completed_at=$3, transfer_completed_after=$4
		WHERE id=$1 AND status=$5
	`, id, model.StatusQueuedBroker, u.TransferCompletedAt, u.TransferCompletedAfter, model.StatusQueuing)
	return oneRow(res, err)
}

// FailedUpdate records a publish failure.
type FailedUpdate struct {
	ErrorLog   string
	RetryAfter time.Time
}

// MarkFailed converts a Queuing message to Failed, bumping failed_count.
func (r *OutboundMessageRepository) MarkFailed(id string, u FailedUpdate) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, error_log=$3, failed_count=failed_count+1, retry_after=$4
		WHERE id=$1 AND status=$5
	`, id, model.StatusFailed, u.ErrorLog, u.RetryAfter, model.StatusQueuing)
	return oneRow(res, err)
}

// MarkQueuedAgent records the transfer agent's acceptance of the handoff.
// Only valid while the message is Queued (RMQ): a queue_ok replayed after the
// outcome landed must not reopen a settled message.
func (r *OutboundMessageRepository) MarkQueuedAgent(id, agent, queueID string) (bool, error) {
	res, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2, agent=$3, queue_id=$4
		WHERE id=$1 AND status=$5
	`, id, model.StatusQueuedAgent, agent, queueID, model.StatusQueuedBroker)
	return oneRow(res, err)
}

// UpdateStatus writes a recomputed aggregate status.
func (r *OutboundMessageRepository) UpdateStatus(id, status string) error {
	_, err := r.DB.Exec(`UPDATE outbound_messages SET status=$2 WHERE id=$1`, id, status)
	return err
}

// EligibleMessage is one sweep candidate with its non-blocked recipients.
type EligibleMessage struct {
	ID         string
	Message    string
	Priority   int
	DomainName string
	Recipients []string
}

// SelectEligible returns up to limit messages ready for the batch sweep:
// Accepted or Failed, under the failure ceiling, with an elapsed (or unset)
// retry_after and at least one non-blocked recipient. Ordered by priority
// descending, then oldest submission first for FIFO fairness within a band.
func (r *OutboundMessageRepository) SelectEligible(limit, maxFailed int) ([]EligibleMessage, error) {
	rows, err := r.DB.Query(`
		SELECT m.id, m.message, m.priority, m.domain_name,
		       string_agg(rcpt.email, ',' ORDER BY rcpt.id) AS recipients
		FROM outbound_messages m
		JOIN message_recipients rcpt ON rcpt.message_id = m.id AND rcpt.status <> $3
		WHERE m.status = ANY($4)
		  AND m.failed_count < $2
		  AND (m.retry_after IS NULL OR m.retry_after <= NOW())
		GROUP BY m.id
		ORDER BY m.priority DESC, m.received_at ASC
		LIMIT $1
	`, limit, maxFailed, model.RecipientBlocked,
		pq.Array([]string{model.StatusAccepted, model.StatusFailed}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mails []EligibleMessage
	for rows.Next() {
		var m EligibleMessage
		var recipients string
		if err := rows.Scan(&m.ID, &m.Message, &m.Priority, &m.DomainName, &recipients); err != nil {
			return nil, err
		}
		m.Recipients = splitCSV(recipients)
		mails = append(mails, m)
	}
	return mails, rows.Err()
}

// MarkBatchQueuing flips a sweep batch to Queuing (RMQ) in one guarded update.
func (r *OutboundMessageRepository) MarkBatchQueuing(ids []string) error {
	_, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2,
		    transfer_started_at=NOW(),
		    transfer_started_after=EXTRACT(EPOCH FROM (NOW() - processed_at))
		WHERE id = ANY($1) AND status = ANY($3)
	`, pq.Array(ids), model.StatusQueuing,
		pq.Array([]string{model.StatusAccepted, model.StatusFailed}))
	return err
}

// MarkBatchQueued completes a sweep batch.
func (r *OutboundMessageRepository) MarkBatchQueued(ids []string) error {
	_, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2,
		    transfer_completed_at=NOW(),
		    transfer_completed_after=EXTRACT(EPOCH FROM (NOW() - transfer_started_at))
		WHERE id = ANY($1) AND status=$3
	`, pq.Array(ids), model.StatusQueuedBroker, model.StatusQueuing)
	return err
}

// MarkBatchFailed fails whatever part of a sweep batch is still Queuing after
// a broker error. Postgres evaluates SET expressions against the old row, so
// retry_after uses the incremented count explicitly.
func (r *OutboundMessageRepository) MarkBatchFailed(ids []string, errorLog string) error {
	_, err := r.DB.Exec(`
		UPDATE outbound_messages
		SET status=$2,
		    error_log=$4,
		    failed_count=failed_count+1,
		    retry_after=NOW() + make_interval(mins => (failed_count + 1) * (failed_count + 2))
		WHERE id = ANY($1) AND status=$3
	`, pq.Array(ids), model.StatusFailed, model.StatusQueuing, errorLog)
	return err
}

// HasPendingOutcomes reports whether any message is still waiting on the
// transfer agent, so the drain loop can skip needless broker polling.
func (r *OutboundMessageRepository) HasPendingOutcomes() (bool, error) {
	var one int
	err := r.DB.QueryRow(`
		SELECT 1 FROM outbound_messages WHERE status = ANY($1) LIMIT 1
	`, pq.Array([]string{model.StatusQueuedBroker, model.StatusQueuedAgent, model.StatusDeferred})).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// BlockRecipient marks one recipient Blocked with a user-facing explanation.
func (r *OutboundMessageRepository) BlockRecipient(recipientID int64, errorMessage string) error {
	_, err := r.DB.Exec(`
		UPDATE message_recipients SET status=$2, error_message=$3 WHERE id=$1
	`, recipientID, model.RecipientBlocked, errorMessage)
	return err
}

// ClearRecipientBlocks lifts recipient-level blocks ahead of a force-accept.
func (r *OutboundMessageRepository) ClearRecipientBlocks(messageID string) error {
	_, err := r.DB.Exec(`
		UPDATE message_recipients SET status='', error_message='' WHERE message_id=$1 AND status=$2
	`, messageID, model.RecipientBlocked)
	return err
}

// RecipientOutcome is a transfer-agent report for one recipient.
type RecipientOutcome struct {
	Status      string
	Retries     int
	ActionAt    time.Time
	ActionAfter float64
	Response    string
}

func (r *OutboundMessageRepository) UpdateRecipientOutcome(recipientID int64, u RecipientOutcome) error {
	_, err := r.DB.Exec(`
		UPDATE message_recipients
		SET status=$2, retries=$3, action_at=$4, action_after=$5, response=$6
		WHERE id=$1
	`, recipientID, u.Status, u.Retries, u.ActionAt, u.ActionAfter, u.Response)
	return err
}

func oneRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
