// Package acqdb records acquisition activity (runs and integrity faults) in
// a ClickHouse database. Every entry point is a no-op when the server is
// unreachable or the connection was never made: the DAQ must run fine with
// no database behind it.
package acqdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "acq164d" // official SQL name of the database

// NewRunID returns a fresh ULID identifying one acquisition run.
func NewRunID() string {
	return ulid.Make().String()
}

// Connection wraps one ClickHouse connection plus the message channels that
// feed it. Methods are safe on a nil *Connection.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	hostname string
	runmsg   chan *RunMessage
	faultmsg chan *FaultMessage
	sync.WaitGroup
}

// IsConnected reports whether the database can currently accept inserts.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer verifies that a ClickHouse server is reachable with the
// configured credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the database connection and launches the goroutine
// that drains the message channels until abort closes. The returned
// Connection is usable (as a sink) even when the server is down.
func StartConnection(abort <-chan struct{}) *Connection {
	db := createConnection()
	go db.handleConnection(abort)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	if host, err := os.Hostname(); err == nil {
		db.hostname = host
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("ACQ164D_DB_USER"),
		Password: os.Getenv("ACQ164D_DB_PASSWORD"),
	}
	addr := os.Getenv("ACQ164D_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "acq164d", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *RunMessage)
	db.faultmsg = make(chan *FaultMessage)
	db.Add(1)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	defer db.Done()
	for {
		select {
		case <-abort:
			db.conn.Close()
			return
		case m := <-db.runmsg:
			db.insertRun(m)
		case m := <-db.faultmsg:
			db.insertFault(m)
		}
	}
}

// RecordRunStart enters a new run row. Blocks until the handler accepts the
// message so that fault rows can never precede their run row.
func (db *Connection) RecordRunStart(runID, source string, nchan int, sampleRate float64) {
	if !db.IsConnected() {
		return
	}
	db.runmsg <- &RunMessage{
		RunID:      runID,
		Source:     source,
		Hostname:   db.hostname,
		Nchannels:  nchan,
		SampleRate: sampleRate,
		Start:      time.Now(),
	}
}

// RecordRunStop enters the row that closes out a run.
func (db *Connection) RecordRunStop(runID string) {
	if !db.IsConnected() {
		return
	}
	msg := &RunMessage{RunID: runID, End: time.Now(), Stopped: true}
	go func() { db.runmsg <- msg }()
}

// RecordFault enters one integrity-fault row.
func (db *Connection) RecordFault(runID string, channel int, sample int64) {
	if !db.IsConnected() {
		return
	}
	msg := &FaultMessage{RunID: runID, Channel: channel, Sample: sample, When: time.Now()}
	go func() { db.faultmsg <- msg }()
}

const timeFormat = "2006-01-02 15:04:05.000000"

func (db *Connection) insertRun(m *RunMessage) {
	ctx := context.Background()
	const nowait = false
	if m.Stopped {
		formattedEnd := m.End.Format(timeFormat)
		if err := db.conn.AsyncInsert(ctx, `INSERT INTO runends VALUES (?, ?)`, nowait,
			m.RunID, formattedEnd,
		); err != nil {
			fmt.Println("Error raised on AsyncInsert into runends ", err)
			db.err = err
		}
		return
	}
	formattedStart := m.Start.Format(timeFormat)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Source, m.Hostname, m.Nchannels, m.SampleRate, formattedStart,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}

func (db *Connection) insertFault(m *FaultMessage) {
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO faults VALUES (?, ?, ?, ?)`, nowait,
		m.RunID, m.Channel, m.Sample, m.When.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into faults ", err)
		db.err = err
	}
}
