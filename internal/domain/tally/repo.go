package tally

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo: Store и Applier поверх Postgres.
type Repo struct{ pool *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

var (
	_ Store   = (*Repo)(nil)
	_ Applier = (*Repo)(nil)
)

const entryCols = `e.id, e.tally_card_number, e.reason_code, e.note, e.multi_location, e.qty, e.location, e.updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var reason string
	if err := row.Scan(&e.ID, &e.TallyCardNumber, &reason, &e.Note, &e.MultiLocation, &e.Qty, &e.Location, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ReasonCode = ReasonCode(reason)
	return &e, nil
}

func (r *Repo) LatestEntry(ctx context.Context, key string) (*Entry, error) {
	return latestEntry(ctx, r.pool, key, false)
}

// latestEntry: сначала указатель из tally_card_heads, иначе скан по (updated_at, id).
func latestEntry(ctx context.Context, q querier, key string, forUpdate bool) (*Entry, error) {
	sql := `
		SELECT ` + entryCols + `
		FROM tally_card_heads h
		JOIN entries e ON e.id = h.entry_id
		WHERE h.tally_card_number = $1
	`
	if forUpdate {
		sql += ` FOR UPDATE OF h`
	}
	e, err := scanEntry(q.QueryRow(ctx, sql, key))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	e, err = scanEntry(q.QueryRow(ctx, `
		SELECT `+entryCols+`
		FROM entries e
		WHERE e.tally_card_number = $1
		ORDER BY e.updated_at DESC, e.id DESC
		LIMIT 1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *Repo) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryCols+` FROM entries e WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *Repo) ListEntries(ctx context.Context, key string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryCols+`
		FROM entries e
		WHERE e.tally_card_number = $1
		ORDER BY e.updated_at DESC, e.id DESC
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *Repo) InsertEntry(ctx context.Context, ne NewEntry) (*Entry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := insertEntry(ctx, tx, ne)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// insertEntry вставляет версию и двигает указатель на голову, если новая версия позже текущей.
func insertEntry(ctx context.Context, tx pgx.Tx, ne NewEntry) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(tx.QueryRow(ctx, `
		INSERT INTO entries AS e (id, tally_card_number, reason_code, note, multi_location, qty, location, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, clock_timestamp())
		RETURNING `+entryCols,
		id, ne.TallyCardNumber, string(ne.ReasonCode), ne.Note, ne.MultiLocation, ne.Qty, ne.Location))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tally_card_heads (tally_card_number, entry_id, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tally_card_number) DO UPDATE SET
			entry_id   = EXCLUDED.entry_id,
			updated_at = EXCLUDED.updated_at
		WHERE (tally_card_heads.updated_at, tally_card_heads.entry_id) < (EXCLUDED.updated_at, EXCLUDED.entry_id)
	`, e.TallyCardNumber, e.ID, e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("move head: %w", err)
	}
	return e, nil
}

func (r *Repo) ListLocations(ctx context.Context, entryID uuid.UUID) ([]LocationRow, error) {
	return listLocations(ctx, r.pool, entryID)
}

func listLocations(ctx context.Context, q querier, entryID uuid.UUID) ([]LocationRow, error) {
	rows, err := q.Query(ctx, `
		SELECT id, entry_id, location, qty, pos
		FROM entry_locations
		WHERE entry_id = $1
		ORDER BY pos
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocationRow
	for rows.Next() {
		var lr LocationRow
		if err := rows.Scan(&lr.ID, &lr.EntryID, &lr.Location, &lr.Qty, &lr.Pos); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

func (r *Repo) LocationOwners(ctx context.Context, key string) ([]uuid.UUID, error) {
	return locationOwners(ctx, r.pool, key)
}

func locationOwners(ctx context.Context, q querier, key string) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT l.entry_id
		FROM entry_locations l
		JOIN entries e ON e.id = l.entry_id
		WHERE e.tally_card_number = $1
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReplaceLocations: delete по владельцам и вставка в одной транзакции,
// поэтому состояние «ноль строк» наружу не видно.
func (r *Repo) ReplaceLocations(ctx context.Context, entryID uuid.UUID, owners []uuid.UUID, rows []LocationRow) ([]LocationRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := replaceLocations(ctx, tx, entryID, owners, rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func replaceLocations(ctx context.Context, q querier, entryID uuid.UUID, owners []uuid.UUID, rows []LocationRow) ([]LocationRow, error) {
	ids := make([]string, len(owners))
	for i, id := range owners {
		ids[i] = id.String()
	}
	if _, err := q.Exec(ctx, `DELETE FROM entry_locations WHERE entry_id = ANY($1::uuid[])`, ids); err != nil {
		return nil, fmt.Errorf("delete locations: %w", err)
	}

	names := make([]string, len(rows))
	qtys := make([]int64, len(rows))
	poss := make([]int32, len(rows))
	for i, lr := range rows {
		names[i] = lr.Location
		qtys[i] = lr.Qty
		poss[i] = int32(lr.Pos)
	}

	res, err := q.Query(ctx, `
		INSERT INTO entry_locations (entry_id, location, qty, pos)
		SELECT $1, t.location, t.qty, t.pos
		FROM unnest($2::text[], $3::bigint[], $4::int[]) AS t(location, qty, pos)
		RETURNING id, entry_id, location, qty, pos
	`, entryID, names, qtys, poss)
	if err != nil {
		return nil, fmt.Errorf("insert locations: %w", err)
	}
	defer res.Close()

	out := make([]LocationRow, 0, len(rows))
	for res.Next() {
		var lr LocationRow
		if err := res.Scan(&lr.ID, &lr.EntryID, &lr.Location, &lr.Qty, &lr.Pos); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("insert locations: %w", err)
	}
	slices.SortFunc(out, func(a, b LocationRow) int { return a.Pos - b.Pos })
	return out, nil
}

// ApplyAdjustment: вся корректировка одной транзакцией: новая версия с готовым агрегатом,
// строки переезжают на неё, указатель двигается. Промежуточных состояний нет.
func (r *Repo) ApplyAdjustment(ctx context.Context, key string, st DesiredState) (Result, error) {
	key = normalizeKey(key)
	if key == "" {
		return Result{}, validationf("tally_card_number is required")
	}
	reason, err := ParseReason(string(st.ReasonCode))
	if err != nil {
		return Result{}, err
	}
	prepared, err := PrepareRows(st.Rows)
	if err != nil {
		return Result{}, err
	}
	agg := Compute(prepared)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Двухаргументная форма: своё пространство ключей, не пересекается с сессионной
	// блокировкой AdvisoryLocker (bigint) на другом соединении. Нужна для первой записи ключа,
	// когда строки в tally_card_heads ещё нет и FOR UPDATE блокировать нечего.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tally_apply'), hashtext($1))`, key); err != nil {
		return Result{}, stepErr(StepResolve, err)
	}
	cur, err := latestEntry(ctx, tx, key, true)
	if err != nil {
		return Result{}, stepErr(StepResolve, err)
	}

	e, err := insertEntry(ctx, tx, NewEntry{
		TallyCardNumber: key,
		ReasonCode:      reason,
		Note:            normalizeNote(st.Note),
		MultiLocation:   agg.MultiLocation,
		Qty:             agg.Qty,
		Location:        agg.Location,
	})
	if err != nil {
		return Result{}, stepErr(StepAggregate, err)
	}

	owners, err := locationOwners(ctx, tx, key)
	if err != nil {
		return Result{}, stepErr(StepStage, err)
	}
	owners = append(owners, e.ID)
	if cur != nil && !slices.Contains(owners, cur.ID) {
		owners = append(owners, cur.ID)
	}
	rows, err := replaceLocations(ctx, tx, e.ID, owners, prepared)
	if err != nil {
		return Result{}, stepErr(StepStage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	return Result{VersionID: e.ID, Entry: *e, Rows: rows, Iterations: 1}, nil
}

// AdvisoryLocker: блокировка карточки между инстансами через pg_advisory_lock
// на отдельном соединении из пула.
type AdvisoryLocker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewAdvisoryLocker(pool *pgxpool.Pool, timeout time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, timeout: timeout}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	key = normalizeKey(key)
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	acqCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if _, err := conn.Exec(acqCtx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		if ctx.Err() == nil && acqCtx.Err() != nil {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	return func() {
		// отдельный контекст: ctx запроса к этому моменту может быть уже отменён
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// соединение с висящей блокировкой в пул не возвращаем
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}, nil
}
