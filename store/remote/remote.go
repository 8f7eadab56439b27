// Package remote implements a network store.Client against a remote-replica
// KV service, speaking a small HTTP protocol over fasthttp (grounded on
// ais/backend/http.go's thin-HTTP-client-wrapper pattern: one *fasthttp.Client
// shared across calls, status code mapped to a typed Status).
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/cxcache/irscache/store"
)

const (
	headerCAS         = "X-Cas"
	headerTTLMS       = "X-Ttl-Ms"
	headerTTLRemainMS = "X-Ttl-Remaining-Ms"
)

type Store struct {
	addr   string
	client *fasthttp.Client
}

var _ store.Client = (*Store)(nil)

func New(addr string, timeout time.Duration) *Store {
	return &Store{
		addr: addr,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

func (s *Store) Name() string { return s.addr }

func (s *Store) url(key, mode string) string {
	u := fmt.Sprintf("http://%s/kv/%s", s.addr, url.PathEscape(key))
	if mode != "" {
		u += "?mode=" + mode
	}
	return u
}

func (s *Store) do(ctx context.Context, method, key, mode string, body []byte, ttl time.Duration, cas uint64, withCAS bool) (*fasthttp.Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url(key, mode))
	req.Header.SetMethod(method)
	if body != nil {
		req.SetBody(body)
	}
	if ttl > 0 {
		req.Header.Set(headerTTLMS, strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if withCAS {
		req.Header.Set(headerCAS, strconv.FormatUint(cas, 10))
	}

	deadline, hasDeadline := ctx.Deadline()
	var err error
	if hasDeadline {
		err = s.client.DoDeadline(req, resp, deadline)
	} else {
		err = s.client.Do(req, resp)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "remote store %s: %s %s", s.addr, method, key)
	}
	// fasthttp reuses resp's buffers on Release; copy what the caller needs
	// before it's released by making an owned copy of the body.
	owned := fasthttp.AcquireResponse()
	resp.CopyTo(owned)
	return owned, nil
}

func (s *Store) Get(ctx context.Context, key string) (*store.Record, store.Status, error) {
	resp, err := s.do(ctx, fasthttp.MethodGet, key, "", nil, 0, 0, false)
	if err != nil {
		return nil, 0, err
	}
	defer fasthttp.ReleaseResponse(resp)
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
		cas, err := parseCAS(resp)
		if err != nil {
			return nil, 0, err
		}
		ttlRemaining := parseTTLRemaining(resp)
		body := append([]byte(nil), resp.Body()...)
		return &store.Record{Bytes: body, CAS: cas, TTLRemaining: ttlRemaining}, store.OK, nil
	case fasthttp.StatusNotFound:
		return nil, store.NotFound, nil
	default:
		return nil, 0, fmt.Errorf("remote store %s: get %s: unexpected status %d", s.addr, key, resp.StatusCode())
	}
}

func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (store.Status, error) {
	resp, err := s.do(ctx, fasthttp.MethodPost, key, "add", value, ttl, 0, false)
	if err != nil {
		return 0, err
	}
	defer fasthttp.ReleaseResponse(resp)
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated:
		return store.OK, nil
	case fasthttp.StatusConflict:
		return store.Exists, nil
	default:
		return 0, fmt.Errorf("remote store %s: add %s: unexpected status %d", s.addr, key, resp.StatusCode())
	}
}

func (s *Store) Cas(ctx context.Context, key string, value []byte, casToken uint64, ttl time.Duration) (store.Status, error) {
	resp, err := s.do(ctx, fasthttp.MethodPost, key, "cas", value, ttl, casToken, true)
	if err != nil {
		return 0, err
	}
	defer fasthttp.ReleaseResponse(resp)
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
		return store.OK, nil
	case fasthttp.StatusConflict:
		return store.CASMismatch, nil
	case fasthttp.StatusNotFound:
		return store.NotFound, nil
	default:
		return 0, fmt.Errorf("remote store %s: cas %s: unexpected status %d", s.addr, key, resp.StatusCode())
	}
}

func (s *Store) Delete(ctx context.Context, key string, casToken uint64) (store.Status, error) {
	resp, err := s.do(ctx, fasthttp.MethodDelete, key, "", nil, 0, casToken, true)
	if err != nil {
		return 0, err
	}
	defer fasthttp.ReleaseResponse(resp)
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusNoContent:
		return store.OK, nil
	case fasthttp.StatusConflict:
		return store.CASMismatch, nil
	case fasthttp.StatusNotFound:
		return store.NotFound, nil
	default:
		return 0, fmt.Errorf("remote store %s: delete %s: unexpected status %d", s.addr, key, resp.StatusCode())
	}
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	resp, err := s.do(ctx, fasthttp.MethodPut, key, "", value, ttl, 0, false)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusNoContent {
		return fmt.Errorf("remote store %s: set %s: unexpected status %d", s.addr, key, resp.StatusCode())
	}
	return nil
}

func parseCAS(resp *fasthttp.Response) (uint64, error) {
	v := string(resp.Header.Peek(headerCAS))
	if v == "" {
		return 0, errors.New("remote store: missing X-Cas header")
	}
	return strconv.ParseUint(v, 10, 64)
}

func parseTTLRemaining(resp *fasthttp.Response) time.Duration {
	v := string(resp.Header.Peek(headerTTLRemainMS))
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
