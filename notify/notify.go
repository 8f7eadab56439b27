// Package notify implements the outbound notification-channel client: the
// two calls the coordinator makes back to the call-control layer after a
// registration-affecting write completes locally.
//
// Grounded on the same thin-fasthttp-client-wrapper shape as store/remote.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client notifies the downstream call-control layer of registration
// changes that the cache core has already committed locally.
type Client struct {
	addr   string
	client *fasthttp.Client
}

func New(addr string, timeout time.Duration) *Client {
	return &Client{
		addr: addr,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// registrationRef identifies one IRS in a DELETE /registrations body: impi
// is omitted when the IRS has none on record.
type registrationRef struct {
	PrimaryIMPU string `json:"primary-impu"`
	IMPI        string `json:"impi,omitempty"`
}

// NotifyDeregistration tells the call-control layer that impu's
// registration is gone (RTR / de-registration path). sendNotifications
// controls the send-notifications query flag: false suppresses any
// further SIP-side NOTIFYs the call-control layer would otherwise fan out.
func (c *Client) NotifyDeregistration(ctx context.Context, impu, impi string, sendNotifications bool) error {
	body, err := json.Marshal(struct {
		Registrations []registrationRef `json:"registrations"`
	}{Registrations: []registrationRef{{PrimaryIMPU: impu, IMPI: impi}}})
	if err != nil {
		return errors.Wrap(err, "notify: marshal body")
	}
	query := url.Values{"send-notifications": {strconv.FormatBool(sendNotifications)}}
	return c.do(ctx, fasthttp.MethodDelete, "/registrations", query, body)
}

// NotifyUserDataChange tells the call-control layer that impu's
// subscription XML changed (PPR path), carrying the updated document.
func (c *Client) NotifyUserDataChange(ctx context.Context, impu, userDataXML string) error {
	body, err := json.Marshal(struct {
		UserDataXML string `json:"user-data-xml"`
	}{UserDataXML: userDataXML})
	if err != nil {
		return errors.Wrap(err, "notify: marshal body")
	}
	path := "/registrations/" + url.PathEscape(impu)
	return c.do(ctx, fasthttp.MethodPut, path, nil, body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) error {
	u := fmt.Sprintf("http://%s%s", c.addr, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.client.DoDeadline(req, resp, deadline)
	} else {
		err = c.client.Do(req, resp)
	}
	if err != nil {
		return errors.Wrapf(err, "notify %s: %s %s", c.addr, method, path)
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusAccepted, fasthttp.StatusNoContent:
		return nil
	default:
		return errors.Errorf("notify %s: %s %s: unexpected status %d", c.addr, method, path, resp.StatusCode())
	}
}
