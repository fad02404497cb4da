package txn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/icza/backscanner"
)

// WAL is spec.md §4.6's write-ahead log: five interception-point callbacks
// (TransactionStarted, BeforePageWrite, AfterPageWrite, TransactionAborted,
// TransactionCommitted) backed by a human-readable text log — angle-
// bracketed, regex-parsed records — with google/uuid session identifiers
// per SPEC_FULL.md §4.8. The implementation is free to choose its own log
// format; this one favors being readable over being compact.
type WAL struct {
	f   *os.File
	ids map[Descriptor]uuid.UUID
}

// OpenWAL opens (creating if absent) the log file at path for appending.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txn: open WAL: %w", err)
	}
	return &WAL{f: f, ids: make(map[Descriptor]uuid.UUID)}, nil
}

func (w *WAL) Close() error {
	return w.f.Close()
}

func (w *WAL) idFor(txn Descriptor) uuid.UUID {
	id, ok := w.ids[txn]
	if !ok {
		id = uuid.New()
		w.ids[txn] = id
	}
	return id
}

func (w *WAL) write(s string) error {
	_, err := w.f.WriteString(s)
	return err
}

// TransactionStarted records the < id start > log.
func (w *WAL) TransactionStarted(txn Descriptor) error {
	return w.write(fmt.Sprintf("< %s start >\n", w.idFor(txn).String()))
}

// BeforePageWrite records that txn is writing page. Manager calls it on
// every Txn.Write, after the caller has already mutated the pinned page's
// bytes in place and before the page is marked dirty in the cache.
func (w *WAL) BeforePageWrite(txn Descriptor, page int32) error {
	return w.write(fmt.Sprintf("< %s, %d, BEFORE >\n", w.idFor(txn).String(), page))
}

// AfterPageWrite records that txn's write to page has landed in the cache.
func (w *WAL) AfterPageWrite(txn Descriptor, page int32) error {
	return w.write(fmt.Sprintf("< %s, %d, AFTER >\n", w.idFor(txn).String(), page))
}

// TransactionCommitted records the commit log plus the final set of pages
// txn modified, so replay can tell which pages a crash after this point
// must treat as durable.
func (w *WAL) TransactionCommitted(txn Descriptor, modified []int32) error {
	if err := w.write(fmt.Sprintf("< %s, %s commit >\n", w.idFor(txn).String(), pagesToString(modified))); err != nil {
		return err
	}
	delete(w.ids, txn)
	return nil
}

// TransactionAborted records the abort log plus the pages that must be
// reverted to their pre-transaction contents.
func (w *WAL) TransactionAborted(txn Descriptor, modified []int32) error {
	if err := w.write(fmt.Sprintf("< %s, %s abort >\n", w.idFor(txn).String(), pagesToString(modified))); err != nil {
		return err
	}
	delete(w.ids, txn)
	return nil
}

func pagesToString(pages []int32) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

var (
	uuidPattern = "[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"
	commitExp   = regexp.MustCompile(fmt.Sprintf("< (%s), (\\S*) commit >", uuidPattern))
	abortExp    = regexp.MustCompile(fmt.Sprintf("< (%s), (\\S*) abort >", uuidPattern))
)

// CommittedTransactions scans the WAL backward from its end (via
// icza/backscanner, so recovery need not read the whole log forward) and
// returns the set of transaction ids that reached a commit record, for
// crash-recovery replay: any page touched by a transaction not in this
// set must be reverted.
func CommittedTransactions(path string) (map[string][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]int32{}, nil
		}
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	committed := make(map[string][]int32)
	aborted := make(map[string]bool)
	scanner := backscanner.New(f, int(info.Size()))
	for {
		line, _, err := scanner.Line()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if m := commitExp.FindStringSubmatch(line); m != nil {
			if _, ok := committed[m[1]]; !ok && !aborted[m[1]] {
				committed[m[1]] = parsePageList(m[2])
			}
			continue
		}
		if m := abortExp.FindStringSubmatch(line); m != nil {
			aborted[m[1]] = true
		}
	}
	return committed, nil
}

func parsePageList(s string) []int32 {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	pages := make([]int32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		pages = append(pages, int32(v))
	}
	return pages
}
