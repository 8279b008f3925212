package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ResumeToken is the persisted continuation of an interrupted transfer.
type ResumeToken struct {
	URL      string `json:"url"`
	ETag     string `json:"etag,omitempty"`
	Received int64  `json:"received"`
	Total    int64  `json:"total,omitempty"`
}

type Request struct {
	URL   string
	Token string
	// Dest is written in place; a resumed transfer appends to it.
	Dest   string
	Resume *ResumeToken
}

type Result struct {
	Received int64
	Total    int64
	// Resume is set when the transfer stopped early and can be continued.
	Resume *ResumeToken
}

// Transfer moves bytes from the server to a local file. progress, when set,
// is called with a checkpoint whose bytes are already on disk; persisting it
// lets a later Fetch continue after the process dies mid-transfer.
type Transfer interface {
	Fetch(ctx context.Context, req Request, progress func(checkpoint ResumeToken)) (Result, error)
}

// HTTPTransfer resumes with Range and If-Range so a file that changed on the
// server restarts from zero instead of being spliced.
type HTTPTransfer struct {
	Client *http.Client
}

func NewHTTPTransfer() *HTTPTransfer {
	return &HTTPTransfer{Client: &http.Client{}}
}

func (t *HTTPTransfer) Fetch(ctx context.Context, req Request, progress func(checkpoint ResumeToken)) (Result, error) {
	var res Result

	offset := int64(0)
	etag := ""
	if r := req.Resume; r != nil && r.URL == req.URL && r.Received > 0 {
		// Bytes written after the checkpoint was saved are dropped.
		if info, err := os.Stat(req.Dest); err == nil && info.Size() >= r.Received {
			if err := os.Truncate(req.Dest, r.Received); err == nil {
				offset = r.Received
				etag = r.ETag
			}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return res, err
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		if etag != "" {
			httpReq.Header.Set("If-Range", etag)
		}
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		res.Resume = resumeToken(req, etag, offset, 0)
		return res, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	default:
		return res, fmt.Errorf("unexpected status %s", resp.Status)
	}

	etag = resp.Header.Get("ETag")
	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	f, err := os.OpenFile(req.Dest, flags, 0o644)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", req.Dest, err)
	}

	w := &progressWriter{w: f, url: req.URL, etag: etag, received: offset, total: total, report: progress}
	_, copyErr := io.Copy(w, resp.Body)
	closeErr := f.Close()

	res.Received = w.received
	res.Total = total
	if err := errors.Join(copyErr, closeErr); err != nil {
		res.Resume = resumeToken(req, etag, w.received, total)
		return res, err
	}
	if total >= 0 && w.received != total {
		res.Resume = resumeToken(req, etag, w.received, total)
		return res, fmt.Errorf("short transfer: got %d of %d bytes", w.received, total)
	}
	return res, nil
}

func resumeToken(req Request, etag string, received, total int64) *ResumeToken {
	if received <= 0 {
		return nil
	}
	if total < 0 {
		total = 0
	}
	return &ResumeToken{URL: req.URL, ETag: etag, Received: received, Total: total}
}

type progressWriter struct {
	w        io.Writer
	url      string
	etag     string
	received int64
	total    int64
	report   func(ResumeToken)
	last     time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.received += int64(n)
	if p.report != nil && time.Since(p.last) >= 200*time.Millisecond {
		p.last = time.Now()
		total := p.total
		if total < 0 {
			total = 0
		}
		p.report(ResumeToken{URL: p.url, ETag: p.etag, Received: p.received, Total: total})
	}
	return n, err
}
