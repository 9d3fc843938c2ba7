package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/auth"
)

func newTestRouter(f *fixture, userID string, admin bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, userID)
		if admin {
			c.Set(auth.ContextKeyRole, string(auth.RoleAdmin))
		}
		c.Next()
	})
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Fund(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/fund", gin.H{
		"jobId":    f.job.ID,
		"amount":   testAmount,
		"currency": "eur",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		AccountID    string `json:"accountId"`
		ClientSecret string `json:"clientSecret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccountID)
	assert.NotEmpty(t, resp.ClientSecret)
}

func TestHandler_Fund_BadRequest(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/fund", gin.H{"jobId": f.job.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/escrow/fund", gin.H{
		"jobId": f.job.ID, "amount": -5, "currency": "eur",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_amount")
}

func TestHandler_Fund_JobNotFound(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/fund", gin.H{
		"jobId": "job_missing", "amount": 1000, "currency": "eur",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ReleaseAndRefund(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/refund", gin.H{
		"amount": 40000, "reason": "scope reduced",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var refund struct {
		RefundID  string `json:"refundId"`
		Amount    int64  `json:"amount"`
		Remaining int64  `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.NotEmpty(t, refund.RefundID)
	assert.Equal(t, int64(40000), refund.Amount)
	assert.Equal(t, int64(60000), refund.Remaining)

	w = doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var release struct {
		ProfessionalAmount int64 `json:"professionalAmount"`
		CommissionAmount   int64 `json:"commissionAmount"`
		PlatformFeeAmount  int64 `json:"platformFeeAmount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &release))
	assert.Equal(t, int64(60000), release.ProfessionalAmount+release.CommissionAmount+release.PlatformFeeAmount)
}

func TestHandler_Refund_CapExceeded(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/refund", gin.H{
		"amount": testAmount + 1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "cap_exceeded")
}

func TestHandler_Release_WrongCaller(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	r := newTestRouter(f, testProfessional, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/release", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_GetAccountAndLedger(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodGet, "/v1/escrow/"+account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), account.ID)

	w = doJSON(t, r, http.MethodGet, "/v1/escrow/"+account.ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deposit")

	// An unrelated user cannot see the account.
	other := newTestRouter(f, "usr_other", false)
	w = doJSON(t, other, http.MethodGet, "/v1/escrow/"+account.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_GatewayErrorHidesDetails(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	f.gw.failRefund = true
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/refund", gin.H{"amount": 100})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "gateway down")
}

func TestHandler_Milestones(t *testing.T) {
	f := newFixture(t)
	account := f.fundHeld(t, testAmount)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/milestones", gin.H{
		"title": "Demolition", "amount": 40000,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Milestone Milestone `json:"milestone"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodPost, "/v1/escrow/"+account.ID+"/milestones/"+created.Milestone.ID+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/escrow/"+account.ID+"/milestones", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "released")
}

func TestHandler_ListAccounts(t *testing.T) {
	f := newFixture(t)
	f.fundHeld(t, testAmount)
	r := newTestRouter(f, testClient, false)

	w := doJSON(t, r, http.MethodGet, "/v1/escrow?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}
