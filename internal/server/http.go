package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler returns the HTTP/JSON API plus /healthz and /readyz. Routes call
// the same service methods as gRPC.
func (s *Server) Handler() http.Handler {
	mux := runtime.NewServeMux()
	e := s.svc

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"GET", "/v1/orders", route(e.ListOrders, func(in *ListOrdersRequest, r *http.Request, _ map[string]string) error {
			q := r.URL.Query()
			in.Status, in.Maker, in.Token = q.Get("status"), q.Get("maker"), q.Get("token")
			return nil
		})},
		{"GET", "/v1/orders/{id}", route(e.GetOrder, func(in *GetOrderRequest, _ *http.Request, p map[string]string) error {
			return pathID(p, &in.ID)
		})},
		{"GET", "/v1/orderbook", route(e.OrderBook, noParams[OrderBookRequest])},
		{"GET", "/v1/trades", route(e.ListTrades, func(in *ListTradesRequest, r *http.Request, _ map[string]string) error {
			in.Account = r.URL.Query().Get("account")
			return nil
		})},
		{"GET", "/v1/balances/{account}", route(e.GetBalances, func(in *GetBalancesRequest, r *http.Request, p map[string]string) error {
			in.Account, in.Tokens = p["account"], r.URL.Query()["token"]
			return nil
		})},
		{"GET", "/v1/requests", route(e.ListRequests, noParams[ListRequestsRequest])},
		{"GET", "/v1/requests/{id}", route(e.GetRequest, func(in *GetRequestRequest, _ *http.Request, p map[string]string) error {
			in.ID = p["id"]
			return nil
		})},
		{"GET", "/v1/status", route(e.Status, noParams[StatusRequest])},

		{"POST", "/v1/deposits", route(e.Deposit, jsonBody[TransferRequest])},
		{"POST", "/v1/withdrawals", route(e.Withdraw, jsonBody[TransferRequest])},
		{"POST", "/v1/orders", route(e.MakeOrder, jsonBody[MakeOrderRequest])},
		{"POST", "/v1/market/orders", route(e.PlaceOrder, jsonBody[PlaceOrderRequest])},
		{"POST", "/v1/orders/{id}/cancel", route(e.CancelOrder, func(in *OrderIDRequest, _ *http.Request, p map[string]string) error {
			return pathID(p, &in.ID)
		})},
		{"POST", "/v1/orders/{id}/fill", route(e.FillOrder, func(in *OrderIDRequest, _ *http.Request, p map[string]string) error {
			return pathID(p, &in.ID)
		})},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			// Patterns are static; a failure here is a programming error.
			panic(err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

type binder[Req any] func(in *Req, r *http.Request, params map[string]string) error

func route[Req, Res any](call func(context.Context, *Req) (*Res, error), bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		in := new(Req)
		if err := bind(in, r, params); err != nil {
			writeError(w, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		out, err := call(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func noParams[Req any](*Req, *http.Request, map[string]string) error {
	return nil
}

func jsonBody[Req any](in *Req, r *http.Request, _ map[string]string) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(in)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathID(params map[string]string, id *uint64) error {
	v, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		return invalidf("order id %q", params["id"])
	}
	*id = v
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
