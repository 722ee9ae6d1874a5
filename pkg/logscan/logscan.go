package logscan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Status is the outcome class of a scan.
type Status string

const (
	StatusClean        Status = "clean"
	StatusKeywordFound Status = "keyword_found"
	StatusCancelled    Status = "cancelled"
)

// Result describes the outcome of scanning a log source.
type Result struct {
	Status     Status
	Keyword    string
	Line       string
	LineNumber int
}

// Found reports whether a keyword matched.
func (r Result) Found() bool { return r.Status == StatusKeywordFound }

// ScanIOError reports that the log source could not be opened or read.
type ScanIOError struct {
	Path string
	Err  error
}

func (e *ScanIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read log: %v", e.Err)
	}
	return fmt.Sprintf("read log %s: %v", e.Path, e.Err)
}

func (e *ScanIOError) Unwrap() error { return e.Err }

// ParseKeywords splits a comma-separated keyword list, trimming entries and
// dropping empty ones. Order is preserved.
func ParseKeywords(csv string) []string {
	keywords := make([]string, 0)
	for _, part := range strings.Split(csv, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

// Scanner searches text logs for fault keywords.
type Scanner struct {
	open func(string) (io.ReadCloser, error)
}

// NewScanner returns a Scanner reading files from the local filesystem.
func NewScanner() *Scanner {
	return &Scanner{open: openFile}
}

func openFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Scan reads path from the beginning and reports the first line containing any
// keyword. Keywords are tested in order as case-sensitive substrings.
func (s *Scanner) Scan(ctx context.Context, path string, keywords []string) (Result, error) {
	if len(keywords) == 0 {
		return Result{Status: StatusClean}, nil
	}

	open := openFile
	if s != nil && s.open != nil {
		open = s.open
	}
	f, err := open(path)
	if err != nil {
		return Result{}, &ScanIOError{Path: path, Err: err}
	}
	defer f.Close()

	res, err := ScanReader(ctx, f, keywords)
	if err != nil {
		var ioErr *ScanIOError
		if errors.As(err, &ioErr) && ioErr.Path == "" {
			ioErr.Path = path
		}
		return res, err
	}
	return res, nil
}

// ScanReader applies the scan rules to an arbitrary line-oriented source.
func ScanReader(ctx context.Context, r io.Reader, keywords []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(keywords) == 0 {
		return Result{Status: StatusClean}, nil
	}

	br := bufio.NewReaderSize(r, 64*1024)

	// Lines have no length bound; a console dump without newlines still scans.
	lineNo := 0
	for {
		if ctx.Err() != nil {
			return Result{Status: StatusCancelled}, nil
		}
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Result{}, &ScanIOError{Err: err}
		}
		if line == "" && err != nil {
			break
		}
		lineNo++
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		for _, kw := range keywords {
			if kw != "" && strings.Contains(line, kw) {
				return Result{
					Status:     StatusKeywordFound,
					Keyword:    kw,
					Line:       line,
					LineNumber: lineNo,
				}, nil
			}
		}
		if err != nil {
			break
		}
	}
	return Result{Status: StatusClean}, nil
}
