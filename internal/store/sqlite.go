package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flowtrading/auction-engine/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single database file. SQLite has no
// parallel writes, so we keep two handles: a reader pool and a writer
// capped to one connection, serialising every mutation. Timestamps are
// stored as unix microseconds; curves, weight maps and outcomes as JSON.
type SQLiteStore struct {
	reader *sql.DB
	writer *sql.DB
}

const sqliteSchema = `
create table if not exists product (
	id           text primary key,
	as_of        integer not null,
	app_data     text,
	parent_id    text references product(id),
	parent_ratio real
);

create table if not exists product_tree (
	src_id      text not null references product(id),
	dst_id      text not null references product(id),
	ratio       real not null,
	depth       integer not null,
	valid_from  integer not null,
	valid_until integer
);
create index if not exists product_tree_src on product_tree (src_id, valid_from);
create index if not exists product_tree_dst on product_tree (dst_id, valid_from);

create table if not exists demand (
	id        text primary key,
	bidder_id text not null,
	app_data  text
);

create table if not exists demand_curve (
	demand_id   text not null references demand(id),
	value       text,
	valid_from  integer not null,
	valid_until integer
);
create index if not exists demand_curve_id on demand_curve (demand_id, valid_from);

create table if not exists portfolio (
	id        text primary key,
	bidder_id text not null,
	app_data  text
);

create table if not exists portfolio_demand_group (
	portfolio_id text not null references portfolio(id),
	value        text not null,
	valid_from   integer not null,
	valid_until  integer
);
create index if not exists portfolio_demand_group_id on portfolio_demand_group (portfolio_id, valid_from);

create table if not exists portfolio_product_group (
	portfolio_id text not null references portfolio(id),
	value        text not null,
	valid_from   integer not null,
	valid_until  integer
);
create index if not exists portfolio_product_group_id on portfolio_product_group (portfolio_id, valid_from);

create table if not exists batch (
	id                 text primary key,
	valid_from         integer not null,
	valid_until        integer,
	portfolio_outcomes text not null,
	product_outcomes   text not null,
	settled            integer not null default 0,
	time_unit          integer not null
);

create table if not exists portfolio_outcome (
	portfolio_id text not null references portfolio(id),
	value        text not null,
	valid_from   integer not null,
	valid_until  integer
);
create index if not exists portfolio_outcome_id on portfolio_outcome (portfolio_id, valid_from);

create table if not exists product_outcome (
	product_id  text not null references product(id),
	value       text not null,
	valid_from  integer not null,
	valid_until integer
);
create index if not exists product_outcome_id on product_outcome (product_id, valid_from);
`

const sqlitePragmas = `
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;
`

// NewSQLiteStore opens (or creates) the database file and applies the
// schema. An empty path opens a private in-memory database, in which
// case reader and writer share the single connection.
func NewSQLiteStore(path string, createIfMissing bool) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = "file::memory:"
	} else {
		if !createIfMissing {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("database %s: %w", path, err)
			}
		}
		dsn = "file:" + path
	}

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader := writer
	if path != "" {
		reader, err = sql.Open("sqlite", dsn)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open database reader: %w", err)
		}
	}

	for _, db := range []*sql.DB{writer, reader} {
		if _, err := db.Exec(sqlitePragmas); err != nil {
			writer.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
		if db == reader && reader == writer {
			break
		}
	}
	if _, err := writer.Exec(sqliteSchema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{reader: reader, writer: writer}, nil
}

func (s *SQLiteStore) Close() error {
	if s.reader != s.writer {
		s.reader.Close()
	}
	return s.writer.Close()
}

// Timestamps are unix microseconds.

func ts(t time.Time) int64 { return t.UnixMicro() }

func fromTS(v int64) time.Time { return time.UnixMicro(v).UTC() }

func tsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func interval(from int64, until *int64) model.Interval {
	iv := model.Interval{ValidFrom: fromTS(from)}
	if until != nil {
		t := fromTS(*until)
		iv.ValidUntil = &t
	}
	return iv
}

// --- Product hierarchy ---

func (s *SQLiteStore) CreateProduct(ctx context.Context, id model.ProductID, appData json.RawMessage, parent *model.ProductID, parentRatio float64, asOf time.Time) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from product where id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check product: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("product %s: %w", id, model.ErrIDExists)
	}

	at := ts(asOf)

	var parentID *string
	var ratio *float64
	if parent != nil {
		var n int
		if err := tx.QueryRowContext(ctx, `select count(*) from product where id = ?`, parent.String()).Scan(&n); err != nil {
			return fmt.Errorf("check parent: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("parent product %s: %w", parent, model.ErrUnknownReference)
		}
		p, r := parent.String(), parentRatio
		parentID, ratio = &p, &r
	}

	if _, err := tx.ExecContext(ctx, `
		insert into product (id, as_of, app_data, parent_id, parent_ratio)
		values (?, ?, ?, ?, ?)`,
		id.String(), at, nullJSON(appData), parentID, ratio); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}

	if parent != nil {
		// Edges closed at exactly asOf stay eligible so multi-child
		// partitions at one instant fan each ancestor edge out to
		// every child.
		rows, err := tx.QueryContext(ctx, `
			select src_id, ratio, depth from product_tree
			where dst_id = ? and (valid_until is null or valid_until = ?)`,
			parent.String(), at)
		if err != nil {
			return fmt.Errorf("select parent edges: %w", err)
		}
		type edge struct {
			src   string
			ratio float64
			depth int
		}
		var edges []edge
		for rows.Next() {
			var e edge
			if err := rows.Scan(&e.src, &e.ratio, &e.depth); err != nil {
				rows.Close()
				return fmt.Errorf("scan edge: %w", err)
			}
			edges = append(edges, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate edges: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			update product_tree set valid_until = ?
			where dst_id = ? and valid_until is null`, at, parent.String()); err != nil {
			return fmt.Errorf("close parent edges: %w", err)
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				insert into product_tree (src_id, dst_id, ratio, depth, valid_from)
				values (?, ?, ?, ?, ?)`,
				e.src, id.String(), e.ratio*parentRatio, e.depth+1, at); err != nil {
				return fmt.Errorf("reopen edge: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into product_tree (src_id, dst_id, ratio, depth, valid_from)
		values (?, ?, 1.0, 0, ?)`, id.String(), id.String(), at); err != nil {
		return fmt.Errorf("insert self edge: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id model.ProductID, t time.Time) (*model.ProductRecord, error) {
	var appData sql.NullString
	var asOf int64
	err := s.reader.QueryRowContext(ctx,
		`select app_data, as_of from product where id = ?`, id.String()).
		Scan(&appData, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}

	rec := &model.ProductRecord{
		ID:       id,
		AppData:  jsonValue(appData),
		Children: []model.ChildRef{},
		AsOf:     fromTS(asOf),
	}

	at := ts(t)
	var src string
	var ratio float64
	err = s.reader.QueryRowContext(ctx, `
		select src_id, ratio from product_tree
		where dst_id = ? and depth = 1
		and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		id.String(), at, at).Scan(&src, &ratio)
	switch {
	case err == nil:
		pid, err := model.ParseProductID(src)
		if err != nil {
			return nil, fmt.Errorf("parse parent id: %w", err)
		}
		rec.Parent = &pid
		rec.ParentRatio = ratio
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get parent of %s: %w", id, err)
	}

	rows, err := s.reader.QueryContext(ctx, `
		select dst_id, ratio from product_tree
		where src_id = ? and depth = 1
		and valid_from <= ? and (valid_until is null or ? < valid_until)
		order by dst_id`,
		id.String(), at, at)
	if err != nil {
		return nil, fmt.Errorf("get children of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dst string
		var ratio float64
		if err := rows.Scan(&dst, &ratio); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		cid, err := model.ParseProductID(dst)
		if err != nil {
			return nil, fmt.Errorf("parse child id: %w", err)
		}
		rec.Children = append(rec.Children, model.ChildRef{ID: cid, Ratio: ratio})
	}
	return rec, rows.Err()
}

func (s *SQLiteStore) BasisAt(ctx context.Context, id model.ProductID, t time.Time) (model.ProductGroup, error) {
	var exists int
	if err := s.reader.QueryRowContext(ctx, `select count(*) from product where id = ?`, id.String()).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check product: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	return s.basisAt(ctx, s.reader, id, t)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) basisAt(ctx context.Context, q querier, id model.ProductID, t time.Time) (model.ProductGroup, error) {
	at := ts(t)
	rows, err := q.QueryContext(ctx, `
		select dst_id, ratio from product_tree
		where src_id = ?
		and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		id.String(), at, at)
	if err != nil {
		return nil, fmt.Errorf("basis of %s: %w", id, err)
	}
	defer rows.Close()

	out := make(model.ProductGroup)
	for rows.Next() {
		var dst string
		var ratio float64
		if err := rows.Scan(&dst, &ratio); err != nil {
			return nil, fmt.Errorf("scan basis edge: %w", err)
		}
		did, err := model.ParseProductID(dst)
		if err != nil {
			return nil, fmt.Errorf("parse basis id: %w", err)
		}
		out[did] += ratio
	}
	return out, rows.Err()
}

// --- Demands ---

func (s *SQLiteStore) CreateDemand(ctx context.Context, id model.DemandID, bidder model.BidderID, curve *model.DemandCurve, appData json.RawMessage, asOf time.Time) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from demand where id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check demand: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("demand %s: %w", id, model.ErrIDExists)
	}

	curveJSON, err := marshalCurve(curve)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into demand (id, bidder_id, app_data) values (?, ?, ?)`,
		id.String(), bidder.String(), nullJSON(appData)); err != nil {
		return fmt.Errorf("insert demand: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into demand_curve (demand_id, value, valid_from) values (?, ?, ?)`,
		id.String(), curveJSON, ts(asOf)); err != nil {
		return fmt.Errorf("insert curve row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetCurve(ctx context.Context, id model.DemandID, curve *model.DemandCurve, asOf time.Time) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from demand where id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check demand: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}

	curveJSON, err := marshalCurve(curve)
	if err != nil {
		return err
	}
	at := ts(asOf)
	if _, err := tx.ExecContext(ctx, `
		update demand_curve set valid_until = ? where demand_id = ? and valid_until is null`,
		at, id.String()); err != nil {
		return fmt.Errorf("close curve row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into demand_curve (demand_id, value, valid_from) values (?, ?, ?)`,
		id.String(), curveJSON, at); err != nil {
		return fmt.Errorf("insert curve row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDemand(ctx context.Context, id model.DemandID, t time.Time) (*model.DemandRecord, error) {
	var bidder string
	var appData sql.NullString
	err := s.reader.QueryRowContext(ctx,
		`select bidder_id, app_data from demand where id = ?`, id.String()).
		Scan(&bidder, &appData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get demand %s: %w", id, err)
	}
	bidderID, err := model.ParseBidderID(bidder)
	if err != nil {
		return nil, fmt.Errorf("parse bidder id: %w", err)
	}

	at := ts(t)
	var value sql.NullString
	var from int64
	var until *int64
	err = s.reader.QueryRowContext(ctx, `
		select value, valid_from, valid_until from demand_curve
		where demand_id = ? and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		id.String(), at, at).Scan(&value, &from, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("demand %s at %s: %w", id, t.Format(time.RFC3339), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get curve of %s: %w", id, err)
	}

	curve, err := unmarshalCurve(value)
	if err != nil {
		return nil, err
	}
	rec := &model.DemandRecord{
		ID:             id,
		BidderID:       bidderID,
		AppData:        jsonValue(appData),
		Curve:          curve,
		PortfolioGroup: make(model.PortfolioGroup),
		Interval:       interval(from, until),
	}

	// Reverse associations: every active portfolio demand map naming
	// this demand narrows the composite interval.
	rows, err := s.reader.QueryContext(ctx, `
		select portfolio_id, value, valid_from, valid_until from portfolio_demand_group
		where valid_from <= ? and (valid_until is null or ? < valid_until)`,
		at, at)
	if err != nil {
		return nil, fmt.Errorf("get portfolio groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid, groupJSON string
		var gFrom int64
		var gUntil *int64
		if err := rows.Scan(&pid, &groupJSON, &gFrom, &gUntil); err != nil {
			return nil, fmt.Errorf("scan portfolio group: %w", err)
		}
		var group model.DemandGroup
		if err := json.Unmarshal([]byte(groupJSON), &group); err != nil {
			return nil, fmt.Errorf("decode demand group: %w", err)
		}
		if w, ok := group[id]; ok {
			portfolioID, err := model.ParsePortfolioID(pid)
			if err != nil {
				return nil, fmt.Errorf("parse portfolio id: %w", err)
			}
			rec.PortfolioGroup[portfolioID] = w
			rec.Interval = intersect(rec.Interval, interval(gFrom, gUntil))
		}
	}
	return rec, rows.Err()
}

func (s *SQLiteStore) DemandHistory(ctx context.Context, id model.DemandID, q model.RangeQuery) ([]model.CurveRow, model.More, error) {
	if err := s.requireDemand(ctx, id); err != nil {
		return nil, nil, err
	}
	rows, more, err := s.pageStream(ctx, `demand_curve`, `demand_id`, id.String(), q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]model.CurveRow, 0, len(rows))
	for _, r := range rows {
		curve, err := unmarshalCurve(r.value)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, model.CurveRow{Curve: curve, Interval: r.interval})
	}
	return out, more, nil
}

func (s *SQLiteStore) ActiveDemands(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.DemandID, error) {
	referenced, err := s.referencedDemands(ctx, t)
	if err != nil {
		return nil, err
	}

	at := ts(t)
	var out []model.DemandID
	for _, b := range bidders {
		rows, err := s.reader.QueryContext(ctx, `
			select d.id from demand d
			join demand_curve c on c.demand_id = d.id
			where d.bidder_id = ?
			and c.value is not null
			and c.valid_from <= ? and (c.valid_until is null or ? < c.valid_until)
			order by d.id`,
			b.String(), at, at)
		if err != nil {
			return nil, fmt.Errorf("active demands: %w", err)
		}
		for rows.Next() {
			var idS string
			if err := rows.Scan(&idS); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan demand id: %w", err)
			}
			id, err := model.ParseDemandID(idS)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parse demand id: %w", err)
			}
			if referenced[id] {
				out = append(out, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) referencedDemands(ctx context.Context, t time.Time) (map[model.DemandID]bool, error) {
	at := ts(t)
	rows, err := s.reader.QueryContext(ctx, `
		select value from portfolio_demand_group
		where valid_from <= ? and (valid_until is null or ? < valid_until)`,
		at, at)
	if err != nil {
		return nil, fmt.Errorf("referenced demands: %w", err)
	}
	defer rows.Close()

	referenced := make(map[model.DemandID]bool)
	for rows.Next() {
		var groupJSON string
		if err := rows.Scan(&groupJSON); err != nil {
			return nil, fmt.Errorf("scan demand group: %w", err)
		}
		var group model.DemandGroup
		if err := json.Unmarshal([]byte(groupJSON), &group); err != nil {
			return nil, fmt.Errorf("decode demand group: %w", err)
		}
		for d := range group {
			referenced[d] = true
		}
	}
	return referenced, rows.Err()
}

// --- Portfolios ---

func (s *SQLiteStore) CreatePortfolio(ctx context.Context, id model.PortfolioID, bidder model.BidderID, demand model.DemandGroup, basis model.ProductGroup, appData json.RawMessage, asOf time.Time) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from portfolio where id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check portfolio: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrIDExists)
	}
	if err := s.checkReferences(ctx, tx, demand, basis); err != nil {
		return err
	}

	demandJSON, err := json.Marshal(demand)
	if err != nil {
		return fmt.Errorf("encode demand group: %w", err)
	}
	basisJSON, err := json.Marshal(basis)
	if err != nil {
		return fmt.Errorf("encode product group: %w", err)
	}

	at := ts(asOf)
	if _, err := tx.ExecContext(ctx, `
		insert into portfolio (id, bidder_id, app_data) values (?, ?, ?)`,
		id.String(), bidder.String(), nullJSON(appData)); err != nil {
		return fmt.Errorf("insert portfolio: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into portfolio_demand_group (portfolio_id, value, valid_from) values (?, ?, ?)`,
		id.String(), string(demandJSON), at); err != nil {
		return fmt.Errorf("insert demand group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into portfolio_product_group (portfolio_id, value, valid_from) values (?, ?, ?)`,
		id.String(), string(basisJSON), at); err != nil {
		return fmt.Errorf("insert product group: %w", err)
	}
	return tx.Commit()
}

type execQuerier interface {
	querier
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) checkReferences(ctx context.Context, q execQuerier, demand model.DemandGroup, basis model.ProductGroup) error {
	for d := range demand {
		var n int
		if err := q.QueryRowContext(ctx, `select count(*) from demand where id = ?`, d.String()).Scan(&n); err != nil {
			return fmt.Errorf("check demand ref: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("demand %s: %w", d, model.ErrUnknownReference)
		}
	}
	for p := range basis {
		var n int
		if err := q.QueryRowContext(ctx, `select count(*) from product where id = ?`, p.String()).Scan(&n); err != nil {
			return fmt.Errorf("check product ref: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("product %s: %w", p, model.ErrUnknownReference)
		}
	}
	return nil
}

func (s *SQLiteStore) UpdatePortfolio(ctx context.Context, id model.PortfolioID, demand model.DemandGroup, basis model.ProductGroup, asOf time.Time) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `select count(*) from portfolio where id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check portfolio: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	if err := s.checkReferences(ctx, tx, demand, basis); err != nil {
		return err
	}

	at := ts(asOf)
	if demand != nil {
		value, err := json.Marshal(demand)
		if err != nil {
			return fmt.Errorf("encode demand group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update portfolio_demand_group set valid_until = ? where portfolio_id = ? and valid_until is null`,
			at, id.String()); err != nil {
			return fmt.Errorf("close demand group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into portfolio_demand_group (portfolio_id, value, valid_from) values (?, ?, ?)`,
			id.String(), string(value), at); err != nil {
			return fmt.Errorf("insert demand group: %w", err)
		}
	}
	if basis != nil {
		value, err := json.Marshal(basis)
		if err != nil {
			return fmt.Errorf("encode product group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update portfolio_product_group set valid_until = ? where portfolio_id = ? and valid_until is null`,
			at, id.String()); err != nil {
			return fmt.Errorf("close product group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into portfolio_product_group (portfolio_id, value, valid_from) values (?, ?, ?)`,
			id.String(), string(value), at); err != nil {
			return fmt.Errorf("insert product group: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetPortfolio(ctx context.Context, id model.PortfolioID, t time.Time) (*model.PortfolioRecord, error) {
	var bidder string
	var appData sql.NullString
	err := s.reader.QueryRowContext(ctx,
		`select bidder_id, app_data from portfolio where id = ?`, id.String()).
		Scan(&bidder, &appData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", id, err)
	}
	bidderID, err := model.ParseBidderID(bidder)
	if err != nil {
		return nil, fmt.Errorf("parse bidder id: %w", err)
	}

	at := ts(t)
	var demandJSON string
	var dFrom int64
	var dUntil *int64
	err = s.reader.QueryRowContext(ctx, `
		select value, valid_from, valid_until from portfolio_demand_group
		where portfolio_id = ? and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		id.String(), at, at).Scan(&demandJSON, &dFrom, &dUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s at %s: %w", id, t.Format(time.RFC3339), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get demand group: %w", err)
	}

	var basisJSON string
	var bFrom int64
	var bUntil *int64
	err = s.reader.QueryRowContext(ctx, `
		select value, valid_from, valid_until from portfolio_product_group
		where portfolio_id = ? and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		id.String(), at, at).Scan(&basisJSON, &bFrom, &bUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s at %s: %w", id, t.Format(time.RFC3339), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get product group: %w", err)
	}

	var demand model.DemandGroup
	if err := json.Unmarshal([]byte(demandJSON), &demand); err != nil {
		return nil, fmt.Errorf("decode demand group: %w", err)
	}
	var basis model.ProductGroup
	if err := json.Unmarshal([]byte(basisJSON), &basis); err != nil {
		return nil, fmt.Errorf("decode product group: %w", err)
	}

	return &model.PortfolioRecord{
		ID:          id,
		BidderID:    bidderID,
		AppData:     jsonValue(appData),
		DemandGroup: demand,
		Basis:       basis,
		Interval:    intersect(interval(dFrom, dUntil), interval(bFrom, bUntil)),
	}, nil
}

func (s *SQLiteStore) PortfolioDemandHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.DemandGroupRow, model.More, error) {
	if err := s.requirePortfolio(ctx, id); err != nil {
		return nil, nil, err
	}
	rows, more, err := s.pageStream(ctx, `portfolio_demand_group`, `portfolio_id`, id.String(), q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]model.DemandGroupRow, 0, len(rows))
	for _, r := range rows {
		var group model.DemandGroup
		if r.value.Valid {
			if err := json.Unmarshal([]byte(r.value.String), &group); err != nil {
				return nil, nil, fmt.Errorf("decode demand group: %w", err)
			}
		}
		out = append(out, model.DemandGroupRow{Group: group, Interval: r.interval})
	}
	return out, more, nil
}

func (s *SQLiteStore) PortfolioBasisHistory(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.ProductGroupRow, model.More, error) {
	if err := s.requirePortfolio(ctx, id); err != nil {
		return nil, nil, err
	}
	rows, more, err := s.pageStream(ctx, `portfolio_product_group`, `portfolio_id`, id.String(), q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]model.ProductGroupRow, 0, len(rows))
	for _, r := range rows {
		var group model.ProductGroup
		if r.value.Valid {
			if err := json.Unmarshal([]byte(r.value.String), &group); err != nil {
				return nil, nil, fmt.Errorf("decode product group: %w", err)
			}
		}
		out = append(out, model.ProductGroupRow{Group: group, Interval: r.interval})
	}
	return out, more, nil
}

func (s *SQLiteStore) ActivePortfolios(ctx context.Context, bidders []model.BidderID, t time.Time) ([]model.PortfolioID, error) {
	at := ts(t)
	var out []model.PortfolioID
	for _, b := range bidders {
		rows, err := s.reader.QueryContext(ctx, `
			select p.id, dg.value, pg.value from portfolio p
			join portfolio_demand_group dg on dg.portfolio_id = p.id
				and dg.valid_from <= ? and (dg.valid_until is null or ? < dg.valid_until)
			join portfolio_product_group pg on pg.portfolio_id = p.id
				and pg.valid_from <= ? and (pg.valid_until is null or ? < pg.valid_until)
			where p.bidder_id = ?
			order by p.id`,
			at, at, at, at, b.String())
		if err != nil {
			return nil, fmt.Errorf("active portfolios: %w", err)
		}
		for rows.Next() {
			var idS, dgJSON, pgJSON string
			if err := rows.Scan(&idS, &dgJSON, &pgJSON); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan portfolio: %w", err)
			}
			var dg model.DemandGroup
			var pg model.ProductGroup
			if err := json.Unmarshal([]byte(dgJSON), &dg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode demand group: %w", err)
			}
			if err := json.Unmarshal([]byte(pgJSON), &pg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode product group: %w", err)
			}
			if len(dg) == 0 || len(pg) == 0 {
				continue
			}
			id, err := model.ParsePortfolioID(idS)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parse portfolio id: %w", err)
			}
			out = append(out, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Batch compilation ---

func (s *SQLiteStore) Gather(ctx context.Context, t time.Time) (*model.SolverInput, error) {
	// One transaction for the whole snapshot: no mutation committed
	// after t may leak in, per the batch-compilation contract.
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	at := ts(t)
	input := &model.SolverInput{
		Demands:    make(map[model.DemandID]model.DemandCurve),
		Portfolios: make(map[model.PortfolioID]model.SolverPortfolio),
	}

	rows, err := tx.QueryContext(ctx, `
		select demand_id, value from demand_curve
		where value is not null
		and valid_from <= ? and (valid_until is null or ? < valid_until)`,
		at, at)
	if err != nil {
		return nil, fmt.Errorf("gather demands: %w", err)
	}
	for rows.Next() {
		var idS, curveJSON string
		if err := rows.Scan(&idS, &curveJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan curve: %w", err)
		}
		id, err := model.ParseDemandID(idS)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse demand id: %w", err)
		}
		var curve model.DemandCurve
		if err := json.Unmarshal([]byte(curveJSON), &curve); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode curve: %w", err)
		}
		input.Demands[id] = curve
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `
		select p.id, dg.value, pg.value from portfolio p
		join portfolio_demand_group dg on dg.portfolio_id = p.id
			and dg.valid_from <= ? and (dg.valid_until is null or ? < dg.valid_until)
		join portfolio_product_group pg on pg.portfolio_id = p.id
			and pg.valid_from <= ? and (pg.valid_until is null or ? < pg.valid_until)`,
		at, at, at, at)
	if err != nil {
		return nil, fmt.Errorf("gather portfolios: %w", err)
	}
	type rawPortfolio struct {
		id     model.PortfolioID
		demand model.DemandGroup
		basis  model.ProductGroup
	}
	var raw []rawPortfolio
	for rows.Next() {
		var idS, dgJSON, pgJSON string
		if err := rows.Scan(&idS, &dgJSON, &pgJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		var rp rawPortfolio
		var err error
		if rp.id, err = model.ParsePortfolioID(idS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse portfolio id: %w", err)
		}
		if err := json.Unmarshal([]byte(dgJSON), &rp.demand); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode demand group: %w", err)
		}
		if err := json.Unmarshal([]byte(pgJSON), &rp.basis); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode product group: %w", err)
		}
		if len(rp.demand) > 0 && len(rp.basis) > 0 {
			raw = append(raw, rp)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Resolve each raw basis through the active edges, within the same
	// read transaction for a consistent snapshot.
	cache := make(map[model.ProductID]model.ProductGroup)
	for _, rp := range raw {
		resolved := make(model.ProductGroup)
		for p, w := range rp.basis {
			leaves, ok := cache[p]
			if !ok {
				leaves, err = s.basisAt(ctx, tx, p, t)
				if err != nil {
					return nil, err
				}
				cache[p] = leaves
			}
			for leaf, r := range leaves {
				resolved[leaf] += w * r
			}
		}
		input.Portfolios[rp.id] = model.SolverPortfolio{
			DemandGroup: rp.demand,
			Basis:       resolved,
		}
	}

	return input, nil
}

// --- Batches & outcomes ---

func (s *SQLiteStore) InsertBatch(ctx context.Context, rec *model.BatchRecord) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	at := ts(rec.ValidFrom)
	for _, stmt := range []string{
		`update batch set valid_until = ? where valid_until is null`,
		`update portfolio_outcome set valid_until = ? where valid_until is null`,
		`update product_outcome set valid_until = ? where valid_until is null`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, at); err != nil {
			return fmt.Errorf("close open batch rows: %w", err)
		}
	}

	pfJSON, err := json.Marshal(rec.PortfolioOutcomes)
	if err != nil {
		return fmt.Errorf("encode portfolio outcomes: %w", err)
	}
	prJSON, err := json.Marshal(rec.ProductOutcomes)
	if err != nil {
		return fmt.Errorf("encode product outcomes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into batch (id, valid_from, valid_until, portfolio_outcomes, product_outcomes, settled, time_unit)
		values (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), at, tsPtr(rec.ValidUntil), string(pfJSON), string(prJSON),
		boolInt(rec.Settled), int64(rec.TimeUnit)); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for id, o := range rec.PortfolioOutcomes {
		value, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode portfolio outcome: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into portfolio_outcome (portfolio_id, value, valid_from) values (?, ?, ?)`,
			id.String(), string(value), at); err != nil {
			return fmt.Errorf("insert portfolio outcome: %w", err)
		}
	}
	for id, o := range rec.ProductOutcomes {
		value, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode product outcome: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into product_outcome (product_id, value, valid_from) values (?, ?, ?)`,
			id.String(), string(value), at); err != nil {
			return fmt.Errorf("insert product outcome: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PortfolioOutcomes(ctx context.Context, id model.PortfolioID, q model.RangeQuery) ([]model.PortfolioOutcomeRow, model.More, error) {
	if err := s.requirePortfolio(ctx, id); err != nil {
		return nil, nil, err
	}
	rows, more, err := s.pageStream(ctx, `portfolio_outcome`, `portfolio_id`, id.String(), q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]model.PortfolioOutcomeRow, 0, len(rows))
	for _, r := range rows {
		var o model.PortfolioOutcome
		if err := json.Unmarshal([]byte(r.value.String), &o); err != nil {
			return nil, nil, fmt.Errorf("decode portfolio outcome: %w", err)
		}
		out = append(out, model.PortfolioOutcomeRow{Outcome: o, Interval: r.interval})
	}
	return out, more, nil
}

func (s *SQLiteStore) ProductOutcomes(ctx context.Context, id model.ProductID, q model.RangeQuery) ([]model.ProductOutcomeRow, model.More, error) {
	var exists int
	if err := s.reader.QueryRowContext(ctx, `select count(*) from product where id = ?`, id.String()).Scan(&exists); err != nil {
		return nil, nil, fmt.Errorf("check product: %w", err)
	}
	if exists == 0 {
		return nil, nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	rows, more, err := s.pageStream(ctx, `product_outcome`, `product_id`, id.String(), q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]model.ProductOutcomeRow, 0, len(rows))
	for _, r := range rows {
		var o model.ProductOutcome
		if err := json.Unmarshal([]byte(r.value.String), &o); err != nil {
			return nil, nil, fmt.Errorf("decode product outcome: %w", err)
		}
		out = append(out, model.ProductOutcomeRow{Outcome: o, Interval: r.interval})
	}
	return out, more, nil
}

func (s *SQLiteStore) UnsettledBatches(ctx context.Context) ([]model.BatchRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		select id, valid_from, valid_until, portfolio_outcomes, product_outcomes, settled, time_unit
		from batch
		where valid_until is not null and settled = 0
		order by valid_from`)
	if err != nil {
		return nil, fmt.Errorf("unsettled batches: %w", err)
	}
	defer rows.Close()

	var out []model.BatchRecord
	for rows.Next() {
		var idS, pfJSON, prJSON string
		var from int64
		var until *int64
		var settled int
		var unit int64
		if err := rows.Scan(&idS, &from, &until, &pfJSON, &prJSON, &settled, &unit); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		id, err := model.ParseBatchID(idS)
		if err != nil {
			return nil, fmt.Errorf("parse batch id: %w", err)
		}
		rec := model.BatchRecord{
			ID:       id,
			Settled:  settled != 0,
			TimeUnit: time.Duration(unit),
			Interval: interval(from, until),
		}
		if err := json.Unmarshal([]byte(pfJSON), &rec.PortfolioOutcomes); err != nil {
			return nil, fmt.Errorf("decode portfolio outcomes: %w", err)
		}
		if err := json.Unmarshal([]byte(prJSON), &rec.ProductOutcomes); err != nil {
			return nil, fmt.Errorf("decode product outcomes: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSettled(ctx context.Context, ids []model.BatchID) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `update batch set settled = 1 where id = ?`, id.String()); err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
	}
	return tx.Commit()
}

// --- helpers ---

func (s *SQLiteStore) requireDemand(ctx context.Context, id model.DemandID) error {
	var n int
	if err := s.reader.QueryRowContext(ctx, `select count(*) from demand where id = ?`, id.String()).Scan(&n); err != nil {
		return fmt.Errorf("check demand: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("demand %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) requirePortfolio(ctx context.Context, id model.PortfolioID) error {
	var n int
	if err := s.reader.QueryRowContext(ctx, `select count(*) from portfolio where id = ?`, id.String()).Scan(&n); err != nil {
		return fmt.Errorf("check portfolio: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	return nil
}

type streamRow struct {
	value    sql.NullString
	interval model.Interval
}

// pageStream reads a lifetime stream in reverse chronological order with
// Before (exclusive) and After (inclusive) cursors on valid_from.
func (s *SQLiteStore) pageStream(ctx context.Context, table, keyCol, key string, q model.RangeQuery) ([]streamRow, model.More, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `select value, valid_from, valid_until from ` + table + ` where ` + keyCol + ` = ?`
	args := []any{key}
	if q.Before != nil {
		query += ` and valid_from < ?`
		args = append(args, ts(*q.Before))
	}
	if q.After != nil {
		query += ` and valid_from >= ?`
		args = append(args, ts(*q.After))
	}
	query += ` order by valid_from desc limit ?`
	args = append(args, limit+1)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("page %s: %w", table, err)
	}
	defer rows.Close()

	var out []streamRow
	for rows.Next() {
		var r streamRow
		var from int64
		var until *int64
		if err := rows.Scan(&r.value, &from, &until); err != nil {
			return nil, nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		r.interval = interval(from, until)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var more model.More
	if len(out) > limit {
		out = out[:limit]
		cursor := out[len(out)-1].interval.ValidFrom
		more = &cursor
	}
	return out, more, nil
}

func marshalCurve(curve *model.DemandCurve) (*string, error) {
	if curve == nil {
		return nil, nil
	}
	b, err := json.Marshal(curve)
	if err != nil {
		return nil, fmt.Errorf("encode curve: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalCurve(value sql.NullString) (*model.DemandCurve, error) {
	if !value.Valid {
		return nil, nil
	}
	var curve model.DemandCurve
	if err := json.Unmarshal([]byte(value.String), &curve); err != nil {
		return nil, fmt.Errorf("decode curve: %w", err)
	}
	return &curve, nil
}

func nullJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func jsonValue(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return nil
	}
	return json.RawMessage(v.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
