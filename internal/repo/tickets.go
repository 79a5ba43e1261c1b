package repo

import (
	"context"
	"database/sql"
	"time"

	"detour/internal/domain"
)

const paymentColumns = `id,user_id,ticket_type,provider,amount,currency,status,external_id,created_at,updated_at`

const ticketColumns = `id,user_id,type,remaining,expires_at,created_at,payment_id,last_used_at,last_used_session_id`

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.TicketType, p.Provider, p.Amount, p.Currency, string(p.Status), nullable(p.ExternalID), ms(p.CreatedAt), ms(p.UpdatedAt))
	return storeErr("insert payment", err)
}

// UpdatePaymentStatus moves a payment from one status to another and reports
// false when the payment was not in the expected status.
func (r Repo) UpdatePaymentStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.PaymentStatus, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE payments SET status=?, updated_at=? WHERE id=? AND status=?`, string(to), ms(now), id, string(from))
	if err != nil {
		return false, storeErr("update payment status", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("update payment status", err)
}

func (r Repo) GetPayment(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	p, err := scanPayment(r.q(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
	return p, storeErr("get payment", err)
}

type PaymentFilters struct {
	UserID string
	Status domain.PaymentStatus
	Limit  int
}

func (r Repo) ListPayments(ctx context.Context, f PaymentFilters) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id=?`
	args := []any{f.UserID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list payments", err)
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storeErr("list payments", err)
		}
		res = append(res, p)
	}
	return res, storeErr("list payments", rows.Err())
}

// SumPayments totals amounts of a user's payments in the given status.
func (r Repo) SumPayments(ctx context.Context, userID string, status domain.PaymentStatus) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM payments WHERE user_id=? AND status=?`, userID, string(status)).Scan(&total)
	return total, storeErr("sum payments", err)
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p                  domain.Payment
		status             string
		external           sql.NullString
		created, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.TicketType, &p.Provider, &p.Amount, &p.Currency, &status, &external, &created, &updatedAt); err != nil {
		return p, err
	}
	p.Status = domain.PaymentStatus(status)
	if external.Valid {
		p.ExternalID = external.String
	}
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updatedAt)
	return p, nil
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Type, t.Remaining, ms(t.ExpiresAt), ms(t.CreatedAt), t.PaymentID, nullableTimePtr(t.LastUsedAt), nullableStringPtr(t.LastUsedSessionID))
	return storeErr("insert ticket", err)
}

func (r Repo) GetTicket(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	t, err := scanTicket(r.q(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	return t, storeErr("get ticket", err)
}

// UsableTickets lists tickets with credit left that are still valid at now,
// soonest expiry first.
func (r Repo) UsableTickets(ctx context.Context, tx *sql.Tx, userID string, now time.Time) ([]domain.Ticket, error) {
	return r.queryTickets(ctx, r.q(tx), "usable tickets",
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id=? AND remaining>0 AND expires_at>? ORDER BY expires_at ASC, created_at ASC, id ASC`, userID, ms(now))
}

func (r Repo) ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	return r.queryTickets(ctx, r.DB, "list tickets",
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id=? ORDER BY created_at DESC, id DESC`, userID)
}

// ConsumeTicket takes one credit from a ticket only if it is still usable at
// now. It reports false when the conditional update matched no row.
func (r Repo) ConsumeTicket(ctx context.Context, tx *sql.Tx, id, sessionID string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tickets SET remaining=remaining-1, last_used_at=?, last_used_session_id=? WHERE id=? AND remaining>0 AND expires_at>?`,
		ms(now), nullable(sessionID), id, ms(now))
	if err != nil {
		return false, storeErr("consume ticket", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("consume ticket", err)
}

func (r Repo) queryTickets(ctx context.Context, q DBTX, op, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		res = append(res, t)
	}
	return res, storeErr(op, rows.Err())
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var (
		t                domain.Ticket
		expires, created int64
		lastUsed         sql.NullInt64
		lastSession      sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Remaining, &expires, &created, &t.PaymentID, &lastUsed, &lastSession); err != nil {
		return t, err
	}
	t.ExpiresAt = fromMS(expires)
	t.CreatedAt = fromMS(created)
	t.LastUsedAt = optionalTime(lastUsed)
	t.LastUsedSessionID = optionalString(lastSession)
	return t, nil
}
