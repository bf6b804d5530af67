// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
	"github.com/forensicanalysis/evidenceintake/goflatten"
)

const indexVersion = 2
const indexApplicationID = 1701603433

// baseColumns are the event columns every per-source view starts with.
var baseColumns = []string{"evidence_hash", "source_category", "sequence_number", "case_id", "source_tool", "threat_score"}

// Index is a sqlite event index. Events are keyed by case id and dedup key,
// so indexing the same tool output twice does not duplicate events while
// outputs of different cases never collide, even without an evidence hash. Every
// source category gets a view exposing its fields as columns.
type Index struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	fields *fieldMap
	logger *zap.Logger
}

// OpenIndex opens the index at url, creating it if it does not exist.
func OpenIndex(url string, logger *zap.Logger) (*Index, error) { // nolint:gocyclo
	if logger == nil {
		logger = zap.NewNop()
	}

	create := false
	if url != ":memory:" {
		url = strings.TrimRight(url, "/")
		if _, err := os.Stat(url); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			create = true
			if err := os.MkdirAll(path.Dir(url), 0750); err != nil {
				return nil, err
			}
			logger.Info("creating event index", zap.String("path", url))
		}
	} else {
		create = true
	}

	conn, err := sqlite.OpenConn(url, 0)
	if err != nil {
		return nil, err
	}
	index := &Index{conn: conn, fields: newFieldMap(), logger: logger}

	if create {
		err = index.setup()
	} else {
		err = index.check()
	}
	if err == nil {
		err = index.loadViews()
	}
	if err != nil {
		conn.Close() // nolint:errcheck
		return nil, err
	}
	return index, nil
}

func (index *Index) setup() error {
	if err := setPragma(index.conn, "application_id", indexApplicationID); err != nil {
		return err
	}
	if err := setPragma(index.conn, "user_version", indexVersion); err != nil {
		return err
	}
	if err := index.exec("CREATE TABLE IF NOT EXISTS `events` (" +
		"evidence_hash TEXT NOT NULL, source_category TEXT NOT NULL, sequence_number INTEGER NOT NULL, " +
		"case_id TEXT NOT NULL, source_tool TEXT NOT NULL, threat_score INTEGER NOT NULL, " +
		"json TEXT NOT NULL, insert_time TEXT NOT NULL, " +
		"PRIMARY KEY (case_id, evidence_hash, source_category, sequence_number))"); err != nil {
		return err
	}
	return index.exec("CREATE VIRTUAL TABLE IF NOT EXISTS `events_fts` " +
		"USING fts5(event_key UNINDEXED, json, tokenize=\"unicode61 tokenchars '/.'\")")
}

func (index *Index) check() error {
	applicationID, err := pragma(index.conn, "application_id")
	if err != nil {
		return err
	}
	if applicationID != indexApplicationID {
		msg := "wrong file format (application_id is %d, requires %d)"
		return fmt.Errorf(msg, applicationID, indexApplicationID)
	}

	version, err := pragma(index.conn, "user_version")
	if err != nil {
		return err
	}
	if version != indexVersion {
		msg := "wrong file format (user_version is %d, requires %d)"
		return fmt.Errorf(msg, version, indexVersion)
	}
	return nil
}

// loadViews seeds the field map with the columns of existing views.
func (index *Index) loadViews() error {
	stmt, err := index.conn.Prepare("SELECT name FROM sqlite_master WHERE type = 'view'")
	if err != nil {
		return err
	}
	var views []string
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return err
		} else if !hasRow {
			break
		}
		views = append(views, stmt.GetText("name"))
	}
	if err := stmt.Finalize(); err != nil {
		return err
	}

	base := map[string]bool{}
	for _, column := range baseColumns {
		base[column] = true
	}
	for _, view := range views {
		pragmaStmt, err := index.conn.Prepare(fmt.Sprintf("PRAGMA table_info (%s)", quoteIdent(view)))
		if err != nil {
			return err
		}
		for {
			if hasRow, err := pragmaStmt.Step(); err != nil {
				return err
			} else if !hasRow {
				break
			}
			if column := pragmaStmt.GetText("name"); !base[column] {
				index.fields.add(view, column)
			}
		}
		if err := pragmaStmt.Finalize(); err != nil {
			return err
		}
	}
	index.fields.reset()
	return nil
}

// Write indexes all events of batch in one transaction. Events whose key is
// already indexed are ignored.
func (index *Index) Write(_ context.Context, batch *Batch) (err error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	defer sqlitex.Save(index.conn)(&err)

	inserted := 0
	insertTime := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	for _, e := range batch.Events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}

		stmt, err := index.conn.Prepare("INSERT OR IGNORE INTO `events` " +
			"(evidence_hash, source_category, sequence_number, case_id, source_tool, threat_score, json, insert_time) " +
			"VALUES ($hash, $category, $seq, $case, $tool, $score, $json, $time)")
		if err != nil {
			return errors.Wrap(err, "could not prepare insert")
		}
		stmt.SetText("$hash", e.EvidenceHash)
		stmt.SetText("$category", e.SourceCategory)
		stmt.SetInt64("$seq", int64(e.SequenceNumber))
		stmt.SetText("$case", e.CaseID)
		stmt.SetText("$tool", e.SourceTool)
		stmt.SetInt64("$score", int64(e.ThreatScore))
		stmt.SetText("$json", string(b))
		stmt.SetText("$time", insertTime)
		if _, err := stmt.Step(); err != nil {
			return errors.Wrapf(err, "could not insert %s", e.Key())
		}
		if index.conn.Changes() == 0 {
			continue
		}
		inserted++

		fts, err := index.conn.Prepare("INSERT INTO `events_fts` (event_key, json) VALUES ($key, $json)")
		if err != nil {
			return errors.Wrap(err, "could not prepare search insert")
		}
		fts.SetText("$key", e.CaseID+"/"+e.Key())
		fts.SetText("$json", string(b))
		if _, err := fts.Step(); err != nil {
			return errors.Wrapf(err, "could not insert %s", e.Key())
		}

		keys, err := goflatten.Keys(e.Fields)
		if err != nil {
			return errors.Wrap(err, "could not flatten fields")
		}
		index.fields.addAll(e.SourceCategory, keys)
	}

	fields := []zap.Field{
		zap.String("tool", batch.Tool),
		zap.String("case_id", batch.CaseID),
		zap.Int("new", inserted),
		zap.Int("duplicate", len(batch.Events)-inserted),
	}
	if inserted < len(batch.Events) {
		index.logger.Warn("ignored already indexed events", fields...)
		return nil
	}
	index.logger.Info("indexed events", fields...)
	return nil
}

// Get returns the event of a case with the given dedup key.
func (index *Index) Get(caseID, evidenceHash, sourceCategory string, seq int) (*evidence.EnrichedEvent, error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	stmt, err := index.conn.Prepare("SELECT json FROM `events` " +
		"WHERE case_id = $case AND evidence_hash = $hash AND source_category = $category AND sequence_number = $seq")
	if err != nil {
		return nil, err
	}
	stmt.SetText("$case", caseID)
	stmt.SetText("$hash", evidenceHash)
	stmt.SetText("$category", sourceCategory)
	stmt.SetInt64("$seq", int64(seq))

	events, err := rowsToEvents(stmt)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Wrapf(evidence.ErrNotFound, "event %s/%s/%s/%d", caseID, evidenceHash, sourceCategory, seq)
	}
	return events[0], nil
}

// Select returns the events of a case, optionally restricted to one source
// category, in source and sequence order.
func (index *Index) Select(caseID, sourceCategory string) ([]*evidence.EnrichedEvent, error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	query := "SELECT json FROM `events` WHERE case_id = $case"
	if sourceCategory != "" {
		query += " AND source_category = $category"
	}
	query += " ORDER BY evidence_hash, source_category, sequence_number"

	stmt, err := index.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	stmt.SetText("$case", caseID)
	if sourceCategory != "" {
		stmt.SetText("$category", sourceCategory)
	}
	return rowsToEvents(stmt)
}

// Search runs a full text query over all indexed events.
func (index *Index) Search(q string) ([]*evidence.EnrichedEvent, error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	stmt, err := index.conn.Prepare("SELECT json FROM `events_fts` WHERE `events_fts` MATCH $query ORDER BY rank")
	if err != nil {
		return nil, err
	}
	stmt.SetText("$query", q)
	return rowsToEvents(stmt)
}

// Count returns the number of indexed events.
func (index *Index) Count() (int64, error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	stmt, err := index.conn.Prepare("SELECT COUNT(*) AS n FROM `events`")
	if err != nil {
		return 0, err
	}
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	n := stmt.GetInt64("n")
	return n, stmt.Finalize()
}

// Close updates the per-source views and closes the database.
func (index *Index) Close() error {
	index.mu.Lock()
	defer index.mu.Unlock()

	if index.fields.isChanged() {
		if err := index.createViews(); err != nil {
			index.logger.Error("could not create views", zap.Error(err))
		}
	}
	return index.conn.Close()
}

func (index *Index) createViews() error {
	for category, fields := range index.fields.all() {
		if err := index.exec(fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(category))); err != nil {
			return err
		}
		columns := append([]string{}, baseColumns...)
		for _, field := range fields {
			columns = append(columns, fmt.Sprintf("json_extract(json, %s) AS %s",
				quoteLiteral("$.fields."+field), quoteIdent(field)))
		}
		err := index.exec(fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM `events` WHERE source_category = %s",
			quoteIdent(category), strings.Join(columns, ", "), quoteLiteral(category)))
		if err != nil {
			return err
		}
	}
	index.fields.reset()
	return nil
}

func (index *Index) exec(query string) error {
	stmt, err := index.conn.Prepare(query)
	if err != nil {
		return err
	}
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return stmt.Finalize()
}

func rowsToEvents(stmt *sqlite.Stmt) ([]*evidence.EnrichedEvent, error) {
	events := []*evidence.EnrichedEvent{}
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasRow {
			break
		}
		e := &evidence.EnrichedEvent{}
		if err := json.Unmarshal([]byte(stmt.GetText("json")), e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, stmt.Finalize()
}

func pragma(conn *sqlite.Conn, name string) (int64, error) {
	stmt, err := conn.Prepare("PRAGMA " + name)
	if err != nil {
		return 0, err
	}
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	i := stmt.GetInt64(name)
	return i, stmt.Finalize()
}

func setPragma(conn *sqlite.Conn, name string, i int64) error {
	stmt, err := conn.Prepare("PRAGMA " + name + " = " + fmt.Sprint(i))
	if err != nil {
		return err
	}
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return stmt.Finalize()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
