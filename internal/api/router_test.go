package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smart_bays/internal/api/middleware"
	"smart_bays/internal/billing"
	"smart_bays/internal/clock"
	"smart_bays/internal/domain"
	"smart_bays/internal/egress"
	"smart_bays/internal/notify"
	"smart_bays/internal/repository/memory"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	t      *testing.T
	clock  *clock.Virtual
	store  *memory.Store
	coord  *service.Coordinator
	auth   *middleware.AuthMiddleware
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.NewVirtual(t0)
	store := memory.New(memory.WithNow(clk.Now))
	for _, name := range []string{"Slot A", "Slot B"} {
		_, err := store.CreateBay(context.Background(), &domain.Bay{Name: name, ThingName: "esp32-lot"})
		require.NoError(t, err)
	}
	pool := egress.NewPool(egress.Config{})
	dedup, err := notify.NewLRUDedup(256, time.Hour, clk)
	require.NoError(t, err)
	notifier := notify.New(dedup, notify.LogSink{})
	ledger := service.NewWalletLedger(store, clk, notifier, pool)
	cfg := service.DefaultMachineConfig()
	cfg.RetryBackoff = 0
	machine := service.NewBookingMachine(store, clk, ledger, billing.DefaultPricing(), nil, notifier, pool, cfg)
	coord := service.NewCoordinator(machine)
	t.Cleanup(coord.Close)

	auth := middleware.NewAuthMiddleware("test-secret")
	router := SetupRouter(Deps{
		Coordinator: coord,
		Ledger:      ledger,
		Ingest:      service.NewSensorIngest(store, clk, coord, time.Minute),
		Auth:        auth,
	})
	return &apiFixture{t: t, clock: clk, store: store, coord: coord, auth: auth, router: router}
}

func (f *apiFixture) token(userID, role string) string {
	f.t.Helper()
	tok, err := f.auth.IssueToken(userID, role, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func kindOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["kind"].(string)
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/bays", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/bays", "not-a-jwt", nil).Code)

	other := middleware.NewAuthMiddleware("other-secret")
	forged, err := other.IssueToken("alice", middleware.RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/bays", forged, nil).Code)
}

func TestRouter_ReserveParkAndCancelFlow(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.token("alice", middleware.RoleUser)

	w := f.do(http.MethodPost, "/api/v1/wallet/topup", alice, map[string]string{"amount": "5.00", "method": "card"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/bookings", alice, domain.ReserveDTO{BayName: "Slot A", Plate: "KA-01-1234"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	booking := decode[domain.Booking](t, w)
	assert.Equal(t, domain.BookingGrace, booking.Status)
	assert.Equal(t, "Slot A", booking.BayName)

	w = f.do(http.MethodPost, "/api/v1/bookings", alice, domain.ReserveDTO{BayName: "Slot B", Plate: "KA-01-1234"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(service.KindUserHasActiveBooking), kindOf(t, w))

	f.clock.Advance(5 * time.Second)
	w = f.do(http.MethodPost, "/iot/sensor-reports", "", domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot A": true},
		ObservedAt: f.clock.Now(),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.NoError(t, f.coord.Flush(context.Background(), "Slot A"))

	w = f.do(http.MethodGet, "/api/v1/bookings/active", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.BookingParked, decode[domain.Booking](t, w).Status)

	bob := f.token("bob", middleware.RoleUser)
	w = f.do(http.MethodGet, "/api/v1/bookings/"+booking.ID.String(), bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(service.KindNotAuthorized), kindOf(t, w))

	f.clock.Advance(65 * time.Second)
	w = f.do(http.MethodPost, "/api/v1/bookings/"+booking.ID.String()+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/bookings/"+booking.ID.String(), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	final := decode[domain.Booking](t, w)
	assert.Equal(t, domain.BookingCancelled, final.Status)
	assert.True(t, final.AccumulatedCharge.Equal(decimal.RequireFromString("2.17")), final.AccumulatedCharge.String())

	w = f.do(http.MethodGet, "/api/v1/wallet?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[domain.WalletSummary](t, w)
	assert.True(t, summary.Balance.Equal(decimal.RequireFromString("2.83")), summary.Balance.String())
	assert.NotEmpty(t, summary.Transactions)

	w = f.do(http.MethodGet, "/api/v1/bookings/active", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ErrorStatuses(t *testing.T) {
	f := newAPIFixture(t)
	carol := f.token("carol", middleware.RoleUser)

	w := f.do(http.MethodPost, "/api/v1/bookings", carol, domain.ReserveDTO{BayName: "Slot A", Plate: "KA-02-0001"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, string(service.KindInsufficientFunds), kindOf(t, w))

	w = f.do(http.MethodPost, "/api/v1/bookings", carol, domain.ReserveDTO{BayName: "Slot Z", Plate: "KA-02-0001"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(service.KindBayNotFound), kindOf(t, w))

	w = f.do(http.MethodPost, "/api/v1/bookings", carol, map[string]string{"bay_name": "Slot A"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/bookings/not-a-uuid", carol, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/wallet/topup", carol, map[string]string{"amount": "-3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(service.KindInvalidArgument), kindOf(t, w))

	w = f.do(http.MethodGet, "/api/v1/wallet?limit=0", carol, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_StaleSensorReport(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(http.MethodPost, "/iot/sensor-reports", "", domain.SensorReport{
		DeviceID:   "esp32-lot",
		Bays:       map[string]bool{"Slot A": true},
		ObservedAt: t0.Add(-5 * time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(service.KindStaleSensor), kindOf(t, w))
}

func TestRouter_AdminRoutes(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token("ops", middleware.RoleAdmin)
	dave := f.token("dave", middleware.RoleUser)

	w := f.do(http.MethodPut, "/api/v1/admin/bays/Slot%20A/led", dave, domain.SetLedDTO{State: domain.LedBlue})
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/wallet/topup", dave, map[string]string{"amount": "5"}).Code)
	w = f.do(http.MethodPost, "/api/v1/bookings", dave, domain.ReserveDTO{BayName: "Slot A", Plate: "KA-03-0003"})
	require.Equal(t, http.StatusCreated, w.Code)
	booking := decode[domain.Booking](t, w)

	w = f.do(http.MethodPut, "/api/v1/admin/bays/Slot%20A/led", admin, domain.SetLedDTO{State: domain.LedOff})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(service.KindInvalidArgument), kindOf(t, w))

	w = f.do(http.MethodPut, "/api/v1/admin/bays/Slot%20A/led", admin, domain.SetLedDTO{State: domain.LedBlue})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/admin/bookings/"+booking.ID.String()+"/adjust", admin,
		map[string]string{"amount": "1.50", "note": "overstay"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[domain.Booking](t, w).AccumulatedCharge.Equal(decimal.RequireFromString("1.50")))

	w = f.do(http.MethodPost, "/api/v1/admin/wallet/charge", admin,
		map[string]string{"user_id": "dave", "amount": "2.00", "note": "lost ticket"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	balance := decimal.RequireFromString(decode[map[string]any](t, w)["balance"].(string))
	assert.True(t, balance.Equal(decimal.RequireFromString("1.50")), balance.String())

	w = f.do(http.MethodGet, "/api/v1/bays", dave, nil)
	require.Equal(t, http.StatusOK, w.Code)
	views := decode[[]domain.BayView](t, w)
	require.Len(t, views, 2)
	assert.Equal(t, "Slot A", views[0].Name)
	require.NotNil(t, views[0].ActiveBookingID)
	assert.Equal(t, booking.ID.String(), *views[0].ActiveBookingID)
	assert.Nil(t, views[1].ActiveBookingID)
}

func TestRouter_Metrics(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bbsm_")
}
