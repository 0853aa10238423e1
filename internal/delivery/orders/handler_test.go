package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	NewHandler(f.engine, nil, slog.New(slog.NewTextHandler(io.Discard, nil))).MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, f
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestHandlerCreateAndRelease(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/delivery/orders", map[string]any{
		"sales_order_id": testSOID,
		"delivery_date":  "2025-03-10T00:00:00Z",
		"lines": []map[string]any{
			{"sales_order_line_id": testLineA, "warehouse_id": testWarehouse, "quantity": 25},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created DeliveryOrder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "DO/2025/03/0001", created.Code)
	require.Equal(t, StatusDraft, created.Status)

	resp = postJSON(t, fmt.Sprintf("%s/delivery/orders/%d/release", srv.URL, created.ID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var released DeliveryOrder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&released))
	require.Equal(t, StatusReleased, released.Status)
}

func TestHandlerCreateReturnsItemizedErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/delivery/orders", map[string]any{
		"sales_order_id": testSOID,
		"delivery_date":  "2025-03-10T00:00:00Z",
		"lines": []map[string]any{
			{"sales_order_line_id": testLineA, "warehouse_id": testWarehouse, "quantity": 60},
			{"sales_order_line_id": 999, "warehouse_id": testWarehouse, "quantity": 5},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var problem struct {
		Title  string      `json:"title"`
		Errors []LineError `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	require.Equal(t, "Validation Failed", problem.Title)
	require.Len(t, problem.Errors, 2)
	require.Equal(t, CodeExceedsRemaining, problem.Errors[0].Code)
	require.Equal(t, CodeLineNotFound, problem.Errors[1].Code)
}

func TestHandlerVoidValidatesReason(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := t.Context()

	do, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 10},
	), 42)
	require.NoError(t, err)

	resp := postJSON(t, fmt.Sprintf("%s/delivery/orders/%d/void", srv.URL, do.ID), map[string]any{"reason": "short"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, fmt.Sprintf("%s/delivery/orders/%d/void", srv.URL, do.ID), map[string]any{"reason": "ordered by mistake"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var voided DeliveryOrder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&voided))
	require.Equal(t, StatusCancelled, voided.Status)
	require.Equal(t, "ordered by mistake", voided.CancelReason)
}

func TestHandlerGetUnknownIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/delivery/orders/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerListFiltersByStatus(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := t.Context()

	draft, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineA, WarehouseID: testWarehouse, Quantity: 5},
	), 42)
	require.NoError(t, err)
	released, err := f.engine.Create(ctx, marchRequest(
		CreateLineRequest{SalesOrderLineID: testLineB, WarehouseID: testWarehouse, Quantity: 5},
	), 42)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, released.ID, 42)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/delivery/orders?status=DRAFT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Orders []DeliveryOrder `json:"orders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Orders, 1)
	require.Equal(t, draft.ID, body.Orders[0].ID)
}
