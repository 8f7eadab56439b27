// Package httpapi implements the inbound HTTP surface the call-control
// layer speaks to: authentication-vector and registration-data lookups,
// registration, and de-registration.
//
// Grounded on a handler-registration/dispatch style where one server
// struct owns a small set of named handlers keyed by path shape.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package httpapi

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/coordinator"
	"github.com/cxcache/irscache/hss"
	"github.com/cxcache/irscache/ids"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server dispatches the four inbound routes over one coordinator.
type Server struct {
	coord *coordinator.Coordinator
}

func New(coord *coordinator.Coordinator) *Server {
	return &Server{coord: coord}
}

// ListenAndServe starts the fasthttp server on addr, blocking until it
// exits.
func (s *Server) ListenAndServe(addr string) error {
	return fasthttp.ListenAndServe(addr, s.Handle)
}

// Handle dispatches one request; exported so tests can drive the routing
// table directly against a fasthttp.RequestCtx without binding a socket.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	cid := ids.NewCorrelationID()
	ctx.Response.Header.Set("X-Correlation-Id", cid)

	path := string(ctx.Path())
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(segments) == 3 && segments[0] == "impi" && segments[2] == "av" && ctx.IsGet():
		s.getAuthVector(ctx, segments[1])
	case len(segments) == 3 && segments[0] == "impu" && segments[2] == "reg-data" && ctx.IsGet():
		s.getRegData(ctx, segments[1])
	case len(segments) == 3 && segments[0] == "impu" && segments[2] == "reg-data" && string(ctx.Method()) == fasthttp.MethodPut:
		s.putRegData(ctx, segments[1])
	case len(segments) == 3 && segments[0] == "impi" && ctx.IsDelete():
		s.deleteRegistration(ctx, segments[1], segments[2])
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) getAuthVector(ctx *fasthttp.RequestCtx, impi string) {
	av, err := s.coord.GetAuthVector(ctx, impi)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetContentType("application/octet-stream")
	ctx.SetBody(av)
}

func (s *Server) getRegData(ctx *fasthttp.RequestCtx, impu string) {
	i, err := s.coord.GetIRS(ctx, impu)
	if err != nil {
		writeError(ctx, err)
		return
	}
	body, err := json.Marshal(regDataResponse{
		UserDataXML:       i.ServiceProfileXML(),
		RegistrationState: i.RegState().String(),
		AssociatedIMPUs:   i.AssociatedIMPUs(),
		Stale:             i.Stale,
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) putRegData(ctx *fasthttp.RequestCtx, impu string) {
	var req putRegDataRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	if req.Type == regDataTypeDereg {
		if err := s.coord.Deregister(ctx, impu, hss.DeregUserDeregistration); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetContentType("application/json")
		body, err := json.Marshal(regDataResponse{RegistrationState: codec.NotRegistered.String()})
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetBody(body)
		return
	}

	i, err := s.coord.Register(ctx, impu)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetContentType("application/json")
	body, err := json.Marshal(regDataResponse{
		UserDataXML:       i.ServiceProfileXML(),
		RegistrationState: i.RegState().String(),
		AssociatedIMPUs:   i.AssociatedIMPUs(),
		Stale:             i.Stale,
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(body)
}

// regDataTypeDereg is the "type" value the call-control layer sends in a
// PUT .../reg-data body to request de-registration rather than
// registration/re-registration.
const regDataTypeDereg = "dereg"

func (s *Server) deleteRegistration(ctx *fasthttp.RequestCtx, impi, impu string) {
	if err := s.coord.Deregister(ctx, impu, hss.DeregUserDeregistration); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type regDataResponse struct {
	UserDataXML       string   `json:"user-data-xml"`
	RegistrationState string   `json:"registration-state"`
	AssociatedIMPUs   []string `json:"associated-impus"`
	Stale             bool     `json:"stale,omitempty"`
}

type putRegDataRequest struct {
	Type string `json:"type"`
	IMPI string `json:"impi"`
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	ctx.SetStatusCode(cmn.KindOf(err).HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
	ctx.SetBody(body)
}
