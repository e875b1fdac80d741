// Package reqlog persists one JSON row per handled request, in files
// partitioned by day and by request category.
package reqlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category separates 0x20 probe traffic from everything else.
type Category string

const (
	Normal   Category = "normal"
	Checking Category = "checking"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05.000"
)

// Entry is one logged request.
type Entry struct {
	// Assigned by the Writer: position of the row in its day file, from 1.
	ID int `json:"ID"`

	Time           string `json:"Time"`
	Status         string `json:"Status"`
	TransactionID  string `json:"TransactionID"`
	RecordType     string `json:"RecordType"`
	SrcIP          string `json:"SrcIP"`
	SrcPort        string `json:"SrcPort"`
	Domain         string `json:"Domain"`
	ModifiedDomain string `json:"ModifiedDomain,omitempty"`

	Category Category  `json:"-"`
	At       time.Time `json:"-"`
}

type dayFile struct {
	file *os.File
	seq  int
}

// Writer appends entries as JSON lines to
// <dir>/NormalRequests/NormalDNSRequestNodes_<date>.json or
// <dir>/CheckingRequests/CheckingDNSRequestNodes_<date>.json.
type Writer struct {
	dir string

	// Clock, replaced in tests.
	Now func() time.Time

	mu    sync.Mutex
	files map[string]*dayFile
}

// New creates the directory layout under dir.
func New(dir string) (*Writer, error) {
	for _, sub := range []string{"NormalRequests", "CheckingRequests"} {
		err := os.MkdirAll(filepath.Join(dir, sub), 0o750)
		if err != nil {
			return nil, fmt.Errorf("create request log directory: %w", err)
		}
	}
	return &Writer{
		dir:   dir,
		Now:   time.Now,
		files: make(map[string]*dayFile),
	}, nil
}

// Path returns the file that holds entries of category c written at t.
func (w *Writer) Path(c Category, t time.Time) string {
	prefix := filepath.Join("NormalRequests", "NormalDNSRequestNodes")
	if c == Checking {
		prefix = filepath.Join("CheckingRequests", "CheckingDNSRequestNodes")
	}
	return filepath.Join(w.dir, prefix+"_"+t.Format(dateLayout)+".json")
}

// Append numbers e within its day file and writes it.
func (w *Writer) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = w.Now()
	}
	if e.Time == "" {
		e.Time = e.At.Format(timeLayout)
	}
	e.Domain = strings.TrimSuffix(e.Domain, ".")

	w.mu.Lock()
	defer w.mu.Unlock()

	df, err := w.open(w.Path(e.Category, e.At))
	if err != nil {
		return err
	}

	e.ID = df.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	_, err = df.file.Write(line)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	df.seq++
	return nil
}

// open returns the handle for path, closing handles of earlier days.
func (w *Writer) open(path string) (*dayFile, error) {
	if df, ok := w.files[path]; ok {
		return df, nil
	}

	seq, err := countLines(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}

	// one file per category is current; a new name means the day rolled over
	dir := filepath.Dir(path)
	for p, df := range w.files {
		if filepath.Dir(p) == dir {
			df.file.Close()
			delete(w.files, p)
		}
	}

	df := &dayFile{file: file, seq: seq}
	w.files[path] = df
	return df, nil
}

// Close closes all open files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var first error
	for p, df := range w.files {
		err := df.file.Close()
		if err != nil && first == nil {
			first = err
		}
		delete(w.files, p)
	}
	return first
}

func countLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	n := 0
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}
