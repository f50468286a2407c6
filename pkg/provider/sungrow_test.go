package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sungrowDirectSecrets() types.Secrets {
	return types.Secrets{Sungrow: &types.SungrowSecrets{
		AppKey:    "APP",
		AccessKey: "ACCESS",
		Account:   "user@example.com",
		Password:  "pass",
	}}
}

func sungrowOK(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result_code": "1",
		"result_msg":  "success",
		"result_data": data,
	})
}

func sungrowErr(w http.ResponseWriter, code, msg string) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result_code": code,
		"result_msg":  msg,
	})
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestSungrow(t *testing.T) {
	t.Run("LoginFlow", func(t *testing.T) {
		var logins int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "ACCESS", r.Header.Get("x-access-key"))
			body := decodeBody(t, r)
			require.Equal(t, "APP", body["appkey"])

			switch r.URL.Path {
			case "/openapi/login":
				atomic.AddInt64(&logins, 1)
				assert.Equal(t, "user@example.com", body["user_account"])
				assert.Equal(t, "pass", body["user_password"])
				sungrowOK(w, map[string]interface{}{
					"token":       "tok1",
					"user_id":     "u99",
					"login_state": "1",
				})
			case "/openapi/getStationDetail":
				assert.Equal(t, "tok1", body["token"])
				sungrowOK(w, map[string]interface{}{
					"ps_id":        "321",
					"ps_name":      "Farm",
					"curr_power":   map[string]string{"value": "5.0", "unit": "kW"},
					"today_energy": map[string]string{"value": "18.0", "unit": "kWh"},
					"total_energy": map[string]string{"value": "12.5", "unit": "MWh"},
				})
			default:
				http.Error(w, "not found: "+r.URL.Path, 404)
			}
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		raw, err := s.GetOverview(context.Background(), sess, "321")
		require.NoError(t, err)
		require.NotNil(t, raw.Sungrow)
		require.NotNil(t, raw.Sungrow.CurrPower)
		assert.Equal(t, 5.0, raw.Sungrow.CurrPower.Value)
		assert.Equal(t, "kW", raw.Sungrow.CurrPower.Unit)
		assert.Equal(t, 12.5, raw.Sungrow.TotalEnergy.Value)
		assert.Equal(t, "MWh", raw.Sungrow.TotalEnergy.Unit)

		// a second call reuses the cached token
		_, err = s.GetOverview(context.Background(), sess, "321")
		require.NoError(t, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(&logins))
	})

	t.Run("ReloginOnExpiredToken", func(t *testing.T) {
		var logins int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := decodeBody(t, r)
			switch r.URL.Path {
			case "/openapi/login":
				atomic.AddInt64(&logins, 1)
				sungrowOK(w, map[string]interface{}{
					"token":       "tok2",
					"login_state": "1",
				})
			case "/openapi/getStationDetail":
				if body["token"] == "stale" {
					sungrowErr(w, "er_token_login_others", "token expired")
					return
				}
				sungrowOK(w, map[string]interface{}{"ps_id": "321"})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")
		s.mu.Lock()
		s.tokens[sess.ProfileID] = "stale"
		s.mu.Unlock()

		_, err := s.GetOverview(context.Background(), sess, "321")
		require.NoError(t, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(&logins))
	})

	t.Run("BadPassword", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sungrowOK(w, map[string]interface{}{"login_state": "-1"})
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		_, err := s.GetOverview(context.Background(), sess, "321")
		var authErr *types.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "INVALID_LOGIN", authErr.Code)
	})

	t.Run("RateLimitIsTransient", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/openapi/login" {
				sungrowOK(w, map[string]interface{}{"token": "tok", "login_state": "1"})
				return
			}
			sungrowErr(w, "er_too_many_requests", "rate limited")
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		_, err := s.GetOverview(context.Background(), sess, "321")
		assert.True(t, types.IsTransient(err))
	})

	t.Run("MissingDirectFields", func(t *testing.T) {
		s := newSungrow("http://127.0.0.1:1")
		sess := directSession(t, types.VendorSungrow, types.Secrets{
			Sungrow: &types.SungrowSecrets{AppKey: "APP", AccessKey: "ACCESS"},
		}, "")

		_, err := s.GetOverview(context.Background(), sess, "321")
		var valErr *types.ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.ElementsMatch(t, []string{"account", "password"}, valErr.Missing)
	})

	t.Run("GetDevices", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/openapi/login":
				sungrowOK(w, map[string]interface{}{"token": "tok", "login_state": "1"})
			case "/openapi/getDeviceList":
				sungrowOK(w, map[string]interface{}{
					"rowCount": 1,
					"pageList": []map[string]interface{}{
						{
							"device_sn":   "SN1",
							"device_name": "Inverter 1",
							"device_type": 1,
							"temperature": "41.5",
							"voltage":     "620.0",
							"current":     "8.1",
						},
					},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		raw, err := s.GetDevices(context.Background(), sess, "321")
		require.NoError(t, err)
		require.NotNil(t, raw.Sungrow)
		require.Len(t, raw.Sungrow.PageList, 1)
		dev := raw.Sungrow.PageList[0]
		assert.Equal(t, "SN1", dev.SerialNumber)
		require.NotNil(t, dev.TemperatureC)
		assert.Equal(t, 41.5, *dev.TemperatureC)
	})

	t.Run("GetPowerFlowUnsupported", func(t *testing.T) {
		s := newSungrow("http://127.0.0.1:1")
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		_, err := s.GetPowerFlow(context.Background(), sess, "321")
		assert.ErrorIs(t, err, types.ErrUnsupported)
	})

	t.Run("DiscoverPlants", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/openapi/login":
				sungrowOK(w, map[string]interface{}{"token": "tok", "login_state": "1"})
			case "/openapi/getStationList":
				sungrowOK(w, map[string]interface{}{
					"rowCount": 3,
					"pageList": []map[string]interface{}{
						{
							"ps_id":         111,
							"ps_name":       "North Field",
							"total_capcity": map[string]string{"value": "1.2", "unit": "MWp"},
						},
						{
							"ps_id":         222,
							"ps_name":       "South Field",
							"total_capcity": map[string]string{"value": "800.0", "unit": "kWp"},
						},
						{
							"ps_id":   333,
							"ps_name": "East Field",
						},
					},
				})
			case "/openapi/getStationRealKpi":
				// one realtime probe per plant decides connectivity
				switch decodeBody(t, r)["ps_id"] {
				case "111":
					sungrowOK(w, map[string]interface{}{"p83022": "4.2"})
				case "222":
					sungrowErr(w, "er_invalid_appkey", "invalid appkey")
				default:
					sungrowErr(w, "er_too_many_requests", "slow down")
				}
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		s := newSungrow(ts.URL)
		sess := directSession(t, types.VendorSungrow, sungrowDirectSecrets(), "")

		plants, err := s.DiscoverPlants(context.Background(), sess)
		require.NoError(t, err)
		require.Len(t, plants, 3)
		assert.Equal(t, "111", plants[0].VendorPlantID)
		// MWp capacity is normalized to kW
		assert.Equal(t, 1200.0, plants[0].CapacityKW)
		assert.Equal(t, types.ConnectivityOnline, plants[0].Connectivity)
		assert.Equal(t, 800.0, plants[1].CapacityKW)
		assert.Equal(t, types.ConnectivityOffline, plants[1].Connectivity)
		assert.Equal(t, types.ConnectivityTesting, plants[2].Connectivity)
	})
}

// oauthSession runs the full consent flow against a stub token endpoint and
// returns the resulting session.
func oauthSession(t *testing.T, baseURL string) *auth.Session {
	t.Helper()
	m := auth.NewManager(audit.NopSink{})

	profile := types.CredentialProfile{
		ID:       "prof-oauth",
		UserID:   "user1",
		Vendor:   types.VendorSungrow,
		AuthMode: types.AuthModeOAuth2,
		BaseURL:  baseURL,
	}
	secrets := types.Secrets{Sungrow: &types.SungrowSecrets{
		AppKey:       "APP",
		AccessKey:    "ACCESS",
		ClientID:     "client",
		ClientSecret: "secret",
	}}

	authURL, err := m.BeginAuthorization(context.Background(), profile, secrets)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)

	sess, err := m.CompleteAuthorization(context.Background(), u.Query().Get("state"), "code1")
	require.NoError(t, err)
	return sess
}

func TestSungrowOAuth2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi/apiManage/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "bearer1",
			"refresh_token": "rt1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"auth_ps_list":  []string{"321"},
		})
	})
	mux.HandleFunc("/openapi/getStationDetail", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		// oauth sessions present the bearer token instead of a login token
		assert.Equal(t, "bearer1", body["token"])
		sungrowOK(w, map[string]interface{}{"ps_id": "321"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := oauthSession(t, ts.URL)
	s := newSungrow(ts.URL)

	_, err := s.GetOverview(context.Background(), sess, "321")
	require.NoError(t, err)

	// plants outside the grant are rejected before any vendor call
	_, err = s.GetOverview(context.Background(), sess, "999")
	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "PLANT_NOT_AUTHORIZED", authErr.Code)
}
