// Package store writes exchanges to a SQLite database.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"golang.org/x/net/idna"
	_ "modernc.org/sqlite"

	"pcapdns/internal/models"
)

type DB struct{ *sql.DB }

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS exchanges (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  time_rfc3339 TEXT NOT NULL,
  client_ip TEXT NOT NULL,
  client_port INTEGER NOT NULL,
  server_ip TEXT NOT NULL,
  server_port INTEGER NOT NULL,
  proto TEXT NOT NULL,
  qid INTEGER NOT NULL,
  qname TEXT NOT NULL,
  qname_unicode TEXT NOT NULL,
  qtype TEXT NOT NULL,
  rcode TEXT NOT NULL,
  answers INTEGER NOT NULL DEFAULT 0,
  expired INTEGER NOT NULL DEFAULT 0,
  orphan INTEGER NOT NULL DEFAULT 0,
  rtt_ms REAL,
  edns_udp_size INTEGER,
  edns_do INTEGER NOT NULL DEFAULT 0,
  client_subnet TEXT,
  icmp_type INTEGER,
  icmp_code INTEGER,
  file TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_time ON exchanges(time_rfc3339);
CREATE INDEX IF NOT EXISTS idx_exchanges_client ON exchanges(client_ip);
CREATE INDEX IF NOT EXISTS idx_exchanges_qname ON exchanges(qname);
`)
	return err
}

// ExchangeRow is one row of the exchanges table.
type ExchangeRow struct {
	Time         string          `json:"time"`
	ClientIP     string          `json:"client_ip"`
	ClientPort   int             `json:"client_port"`
	ServerIP     string          `json:"server_ip"`
	ServerPort   int             `json:"server_port"`
	Proto        string          `json:"proto"`
	QID          int64           `json:"id"`
	QName        string          `json:"qname"`
	QNameUnicode string          `json:"qname_unicode"`
	QType        string          `json:"qtype"`
	RCode        string          `json:"rcode"`
	Answers      int             `json:"answers"`
	Expired      bool            `json:"expired"`
	Orphan       bool            `json:"orphan"`
	RTTms        sql.NullFloat64 `json:"-"`
	EDNSUDPSize  sql.NullInt64   `json:"-"`
	EDNSDO       bool            `json:"edns_do"`
	ClientSubnet sql.NullString  `json:"-"`
	ICMPType     sql.NullInt64   `json:"-"`
	ICMPCode     sql.NullInt64   `json:"-"`
	File         string          `json:"file"`
}

// RowFromExchange flattens an exchange into a table row.
func RowFromExchange(ex models.Exchange) ExchangeRow {
	client, cport := ex.Client()
	server, sport := ex.Server()
	r := ExchangeRow{
		Time:       ex.Time().UTC().Format(time.RFC3339Nano),
		ClientIP:   addrString(client.String(), client.IsValid()),
		ClientPort: int(cport),
		ServerIP:   addrString(server.String(), server.IsValid()),
		ServerPort: int(sport),
		Proto:      ex.Protocol(),
		Expired:    ex.Expired,
		Orphan:     ex.Orphan(),
		File:       ex.File,
	}

	if msg := ex.Message(); msg != nil {
		r.QID = int64(msg.Header.ID)
		r.QName = msg.QName()
		r.QNameUnicode = unicodeName(r.QName)
		if len(msg.Questions) > 0 {
			r.QType = msg.QType().String()
		}
	}
	if ex.Query != nil && ex.Query.OPT != nil {
		opt := ex.Query.OPT
		r.EDNSUDPSize = sql.NullInt64{Int64: int64(opt.UDPSize), Valid: true}
		r.EDNSDO = opt.DO()
		if ecs := opt.ClientSubnet(); ecs != nil {
			r.ClientSubnet = sql.NullString{String: ecs.Prefix().String(), Valid: true}
		}
	}
	if ex.Response != nil {
		r.RCode = ex.Response.ExtendedRcode().String()
		r.Answers = int(ex.Response.Header.ANCount)
	}
	if rtt, ok := ex.RTT(); ok {
		r.RTTms = sql.NullFloat64{Float64: float64(rtt) / float64(time.Millisecond), Valid: true}
	}
	if ex.ICMP != nil && ex.ICMP.ICMP != nil {
		r.ICMPType = sql.NullInt64{Int64: int64(ex.ICMP.ICMP.Type), Valid: true}
		r.ICMPCode = sql.NullInt64{Int64: int64(ex.ICMP.ICMP.Code), Valid: true}
	}
	return r
}

// Write stores one exchange.
func (db *DB) Write(ctx context.Context, ex models.Exchange) error {
	return db.InsertExchange(ctx, RowFromExchange(ex))
}

func (db *DB) InsertExchange(ctx context.Context, r ExchangeRow) error {
	_, err := db.ExecContext(ctx, `INSERT INTO exchanges(time_rfc3339, client_ip, client_port, server_ip, server_port, proto, qid, qname, qname_unicode, qtype, rcode, answers, expired, orphan, rtt_ms, edns_udp_size, edns_do, client_subnet, icmp_type, icmp_code, file)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Time, r.ClientIP, r.ClientPort, r.ServerIP, r.ServerPort, r.Proto, r.QID, r.QName, r.QNameUnicode, r.QType, r.RCode,
		r.Answers, boolToInt(r.Expired), boolToInt(r.Orphan), r.RTTms, r.EDNSUDPSize, boolToInt(r.EDNSDO), r.ClientSubnet,
		r.ICMPType, r.ICMPCode, r.File)
	return err
}

// ListExchanges returns the newest rows first.
func (db *DB) ListExchanges(ctx context.Context, limit int) ([]ExchangeRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `SELECT time_rfc3339, client_ip, client_port, server_ip, server_port, proto, qid, qname, qname_unicode, qtype, rcode, answers, expired, orphan, rtt_ms, edns_udp_size, edns_do, client_subnet, icmp_type, icmp_code, file
FROM exchanges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExchangeRow
	for rows.Next() {
		var r ExchangeRow
		var expired, orphan, do int
		if err := rows.Scan(&r.Time, &r.ClientIP, &r.ClientPort, &r.ServerIP, &r.ServerPort, &r.Proto, &r.QID, &r.QName,
			&r.QNameUnicode, &r.QType, &r.RCode, &r.Answers, &expired, &orphan, &r.RTTms, &r.EDNSUDPSize, &do,
			&r.ClientSubnet, &r.ICMPType, &r.ICMPCode, &r.File); err != nil {
			return nil, err
		}
		r.Expired, r.Orphan, r.EDNSDO = expired == 1, orphan == 1, do == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// QNameCount is a query name with its number of exchanges.
type QNameCount struct {
	QName string `json:"qname"`
	Count int64  `json:"count"`
}

// TopQNames returns the most frequent query names, case-insensitively.
func (db *DB) TopQNames(ctx context.Context, limit int) ([]QNameCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx, `
        SELECT lower(qname) AS name, COUNT(1) AS cnt
        FROM exchanges
        WHERE qname != ''
        GROUP BY name
        ORDER BY cnt DESC, name ASC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QNameCount
	for rows.Next() {
		var r QNameCount
		if err := rows.Scan(&r.QName, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// unicodeName renders IDNA labels for display; names that are not valid
// IDNA are returned unchanged.
func unicodeName(qname string) string {
	if qname == "" || qname == "." {
		return qname
	}
	u, err := idna.Display.ToUnicode(strings.TrimSuffix(qname, "."))
	if err != nil {
		return qname
	}
	return u + "."
}

func addrString(s string, valid bool) string {
	if !valid {
		return ""
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
