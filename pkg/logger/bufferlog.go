// Package logger implements a per-request in-memory log buffer.
//
// Detail lines are buffered while a tile fetch is in flight:
//   - on failure the buffer is replayed followed by the final error;
//   - on success the buffer is dropped and one short line is written.
//
// All state lives in a dedicated goroutine fed through a command channel,
// so callers never share the buffers directly.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act     action
	key     string
	message string // Append
	summary string // Success
	err     error  // FlushError
	when    time.Time
	done    chan struct{} // Sync
}

var ch = make(chan cmd, 128)

// Output is the destination of every line.  Tests swap it for a logger
// writing into a buffer.
var Output = log.Default()

// Begin starts buffering for key.
func Begin(key string) { ch <- cmd{act: actBegin, key: key, when: time.Now()} }

// Append adds a detail line.  Without an open buffer it is printed at once.
func Append(key, msg string) {
	ch <- cmd{act: actAppend, key: key, message: msg, when: time.Now()}
}

// Success drops the buffer and writes a single summary line.
func Success(key, summary string) {
	ch <- cmd{act: actSuccess, key: key, summary: summary, when: time.Now()}
}

// FlushError replays the buffered lines and the final error.
func FlushError(key string, err error) {
	ch <- cmd{act: actFlushErr, key: key, err: err, when: time.Now()}
}

// Sync blocks until every command queued before it has been handled.
func Sync() {
	done := make(chan struct{})
	ch <- cmd{act: actSync, done: done}
	<-done
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.key] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.key]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				Output.Print(c.message)
			}

		case actSuccess:
			Output.Printf("[%s] ✔ %s", c.key, c.summary)
			delete(buffers, c.key)

		case actFlushErr:
			if b := buffers[c.key]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					if ln != "" {
						Output.Print(ln)
					}
				}
				delete(buffers, c.key)
			}
			Output.Printf("[%s][ERROR] %v", c.key, c.err)

		case actSync:
			close(c.done)
		}
	}
}
