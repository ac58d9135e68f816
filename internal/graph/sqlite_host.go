package graph

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteHost implements Host on top of a workspace database. It stands in
// for the authoring application when none is attached: documents, their
// occurrences and their rules live in four tables, and every RuleStore call
// is a direct statement against them.
//
// The database is opened with a single connection so rule writes issued from
// the watcher goroutine serialize with reads from the command loop.
type SQLiteHost struct {
	db     *sql.DB
	dbPath string
}

const busyTimeoutMS = 5000

const sqliteHostSchema = `
CREATE TABLE IF NOT EXISTS documents (
	name TEXT PRIMARY KEY,
	kind INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS occurrences (
	parent TEXT NOT NULL,
	seq INTEGER NOT NULL,
	name TEXT NOT NULL,
	child TEXT NOT NULL,
	PRIMARY KEY (parent, seq)
);
CREATE TABLE IF NOT EXISTS rules (
	doc TEXT NOT NULL,
	name TEXT NOT NULL,
	text TEXT NOT NULL,
	auto_run INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (doc, name)
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenSQLiteHost opens (creating if needed) the workspace database at dbPath.
func OpenSQLiteHost(dbPath string) (*SQLiteHost, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteHostSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteHost{db: db, dbPath: dbPath}, nil
}

// SetBlocking controls whether writes wait for another process holding the
// database (up to busyTimeoutMS) or fail immediately.
func (h *SQLiteHost) SetBlocking(blocking bool) error {
	ms := 0
	if blocking {
		ms = busyTimeoutMS
	}
	if _, err := h.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms)); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// BusyTimeout returns the current busy timeout in milliseconds.
func (h *SQLiteHost) BusyTimeout() (int, error) {
	var ms int
	if err := h.db.QueryRow("PRAGMA busy_timeout").Scan(&ms); err != nil {
		return 0, err
	}
	return ms, nil
}

// Path returns the database file path.
func (h *SQLiteHost) Path() string { return h.dbPath }

// Close closes the database.
func (h *SQLiteHost) Close() error { return h.db.Close() }

// AddDocument implements HierarchyWriter.
func (h *SQLiteHost) AddDocument(name string, kind Kind) error {
	_, err := h.db.Exec(`INSERT OR IGNORE INTO documents (name, kind) VALUES (?, ?)`, name, int(kind))
	if err != nil {
		return fmt.Errorf("add document %s: %w", name, err)
	}
	return nil
}

// AddOccurrence implements HierarchyWriter.
func (h *SQLiteHost) AddOccurrence(parent, name, child string) error {
	parentDoc, err := h.document(parent)
	if err != nil {
		return err
	}
	if _, err := h.document(child); err != nil {
		return err
	}
	if parentDoc.kind != KindAssembly {
		return fmt.Errorf("document %s is a %s and cannot hold occurrences", parent, parentDoc.kind)
	}
	_, err = h.db.Exec(`
		INSERT INTO occurrences (parent, seq, name, child)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM occurrences WHERE parent = ?), ?, ?)`,
		parent, parent, name, child)
	if err != nil {
		return fmt.Errorf("add occurrence %s in %s: %w", name, parent, err)
	}
	return nil
}

// PutRule implements HierarchyWriter.
func (h *SQLiteHost) PutRule(doc, name, text string) error {
	if _, err := h.document(doc); err != nil {
		return err
	}
	_, err := h.db.Exec(`
		INSERT INTO rules (doc, name, text) VALUES (?, ?, ?)
		ON CONFLICT (doc, name) DO UPDATE SET text = excluded.text`, doc, name, text)
	if err != nil {
		return fmt.Errorf("put rule %s/%s: %w", doc, name, err)
	}
	return nil
}

// SetActive implements HierarchyWriter.
func (h *SQLiteHost) SetActive(name string) error {
	if _, err := h.document(name); err != nil {
		return err
	}
	_, err := h.db.Exec(`
		INSERT INTO settings (key, value) VALUES ('active', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, name)
	return err
}

// ActiveDocument implements Host.
func (h *SQLiteHost) ActiveDocument() (Document, error) {
	var name string
	err := h.db.QueryRow(`SELECT value FROM settings WHERE key = 'active'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveDocument
	}
	if err != nil {
		return nil, fmt.Errorf("read active document: %w", err)
	}
	return h.document(name)
}

func (h *SQLiteHost) document(name string) (*sqlDocument, error) {
	var kind int
	err := h.db.QueryRow(`SELECT kind FROM documents WHERE name = ?`, name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", name, err)
	}
	return &sqlDocument{host: h, name: name, kind: Kind(kind)}, nil
}

// ListRules implements RuleStore.
func (h *SQLiteHost) ListRules(doc Document) ([]Rule, error) {
	rows, err := h.db.Query(`SELECT name, text FROM rules WHERE doc = ? ORDER BY rowid`, doc.DisplayName())
	if err != nil {
		return nil, fmt.Errorf("list rules of %s: %w", doc.DisplayName(), err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		r := &sqlRule{host: h, doc: doc.DisplayName()}
		if err := rows.Scan(&r.name, &r.text); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule implements RuleStore.
func (h *SQLiteHost) GetRule(doc Document, name string) (Rule, error) {
	r := &sqlRule{host: h, doc: doc.DisplayName(), name: name}
	err := h.db.QueryRow(`SELECT text FROM rules WHERE doc = ? AND name = ?`, r.doc, name).Scan(&r.text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, r.doc, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read rule %s/%s: %w", r.doc, name, err)
	}
	return r, nil
}

// CreateRule implements RuleStore.
func (h *SQLiteHost) CreateRule(doc Document, name, text string) (Rule, error) {
	if _, err := h.document(doc.DisplayName()); err != nil {
		return nil, err
	}
	res, err := h.db.Exec(`INSERT OR IGNORE INTO rules (doc, name, text) VALUES (?, ?, ?)`,
		doc.DisplayName(), name, text)
	if err != nil {
		return nil, fmt.Errorf("create rule %s/%s: %w", doc.DisplayName(), name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleExists, doc.DisplayName(), name)
	}
	return &sqlRule{host: h, doc: doc.DisplayName(), name: name, text: text}, nil
}

// DeleteRule implements RuleStore.
func (h *SQLiteHost) DeleteRule(doc Document, name string) error {
	res, err := h.db.Exec(`DELETE FROM rules WHERE doc = ? AND name = ?`, doc.DisplayName(), name)
	if err != nil {
		return fmt.Errorf("delete rule %s/%s: %w", doc.DisplayName(), name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, doc.DisplayName(), name)
	}
	return nil
}

// SetRuleAutoRun implements RuleStore.
func (h *SQLiteHost) SetRuleAutoRun(rule Rule, enabled bool) error {
	r, ok := rule.(*sqlRule)
	if !ok {
		return fmt.Errorf("rule %s does not belong to this host", rule.Name())
	}
	v := 0
	if enabled {
		v = 1
	}
	res, err := h.db.Exec(`UPDATE rules SET auto_run = ? WHERE doc = ? AND name = ?`, v, r.doc, r.name)
	if err != nil {
		return fmt.Errorf("set auto-run on %s/%s: %w", r.doc, r.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, r.doc, r.name)
	}
	return nil
}

// AutoRun reports a rule's auto-run flag.
func (h *SQLiteHost) AutoRun(doc, name string) (bool, error) {
	var v int
	err := h.db.QueryRow(`SELECT auto_run FROM rules WHERE doc = ? AND name = ?`, doc, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, doc, name)
	}
	return v == 1, err
}

type sqlDocument struct {
	host *SQLiteHost
	name string
	kind Kind
}

func (d *sqlDocument) DisplayName() string { return d.name }
func (d *sqlDocument) Kind() Kind          { return d.kind }

func (d *sqlDocument) Occurrences() ([]Occurrence, error) {
	if d.kind != KindAssembly {
		return nil, nil
	}
	rows, err := d.host.db.Query(`
		SELECT o.name, o.child, d.kind
		FROM occurrences o LEFT JOIN documents d ON d.name = o.child
		WHERE o.parent = ? ORDER BY o.seq`, d.name)
	if err != nil {
		return nil, fmt.Errorf("list occurrences of %s: %w", d.name, err)
	}
	defer func() { _ = rows.Close() }()

	var occs []Occurrence
	for rows.Next() {
		o := &sqlOccurrence{host: d.host}
		var kind sql.NullInt64
		if err := rows.Scan(&o.name, &o.child, &kind); err != nil {
			return nil, err
		}
		o.resolved = kind.Valid
		o.kind = Kind(kind.Int64)
		occs = append(occs, o)
	}
	return occs, rows.Err()
}

type sqlOccurrence struct {
	host     *SQLiteHost
	name     string
	child    string
	kind     Kind
	resolved bool
}

func (o *sqlOccurrence) Name() string         { return o.name }
func (o *sqlOccurrence) DefinitionKind() Kind { return o.kind }

func (o *sqlOccurrence) Document() (Document, error) {
	if !o.resolved {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, o.child)
	}
	return o.host.document(o.child)
}

func (o *sqlOccurrence) SubOccurrences() ([]Occurrence, error) {
	d, err := o.Document()
	if err != nil {
		return nil, err
	}
	return d.Occurrences()
}

type sqlRule struct {
	host *SQLiteHost
	doc  string
	name string
	text string
}

func (r *sqlRule) Name() string { return r.name }
func (r *sqlRule) Text() string { return r.text }

func (r *sqlRule) SetText(text string) error {
	res, err := r.host.db.Exec(`UPDATE rules SET text = ? WHERE doc = ? AND name = ?`, text, r.doc, r.name)
	if err != nil {
		return fmt.Errorf("write rule %s/%s: %w", r.doc, r.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, r.doc, r.name)
	}
	r.text = text
	return nil
}
