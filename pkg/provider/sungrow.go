package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/common"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
)

const sungrowLoginPath = "openapi/login"

// Sungrow implements the Connector interface for the iSolarCloud API. Every
// call is a JSON POST carrying the application key in the body and the
// developer access key in a header. Direct sessions log in with an account
// and password; OAuth2 sessions present the bearer token from the session.
type Sungrow struct {
	client  *http.Client
	baseURL string

	// tokens caches the login token per direct-mode profile. Entries are
	// dropped when the vendor reports them expired.
	mu     sync.Mutex
	tokens map[string]string
}

func newSungrow(baseURL string) *Sungrow {
	if baseURL == "" {
		baseURL = "https://gateway.isolarcloud.com"
	}
	return &Sungrow{
		client:  common.HTTPClient(time.Minute),
		baseURL: baseURL,
		tokens:  make(map[string]string),
	}
}

func sungrowInfo() types.ProviderInfo {
	return types.ProviderInfo{
		ID:        string(types.VendorSungrow),
		Name:      "Sungrow iSolarCloud",
		AuthModes: []types.AuthMode{types.AuthModeDirect, types.AuthModeOAuth2},
		Credentials: []types.ProviderCredential{
			{
				Field:    "appKey",
				Name:     "Application Key",
				Type:     "string",
				Required: true,
			},
			{
				Field:    "accessKey",
				Name:     "Access Key",
				Type:     "password",
				Required: true,
			},
			{
				Field:       "account",
				Name:        "Account",
				Type:        "string",
				Required:    false,
				Description: "iSolarCloud account for direct login. Not needed for OAuth2.",
			},
			{
				Field:    "password",
				Name:     "Password",
				Type:     "password",
				Required: false,
			},
			{
				Field:       "clientID",
				Name:        "OAuth2 Client ID",
				Type:        "string",
				Required:    false,
				Description: "Only needed for the OAuth2 authorization flow.",
			},
			{
				Field:    "clientSecret",
				Name:     "OAuth2 Client Secret",
				Type:     "password",
				Required: false,
			},
		},
	}
}

// Info returns the Sungrow provider metadata.
func (s *Sungrow) Info() types.ProviderInfo {
	return sungrowInfo()
}

func (s *Sungrow) base(sess *auth.Session) string {
	if b := sess.BaseURL(); b != "" {
		return b
	}
	return s.baseURL
}

type sungrowResponse struct {
	ResultCode string          `json:"result_code"`
	ResultMsg  string          `json:"result_msg"`
	ResultData json.RawMessage `json:"result_data"`
}

type sungrowLoginResult struct {
	Token      string `json:"token"`
	UserID     string `json:"user_id"`
	LoginState string `json:"login_state"`
}

// login authenticates a direct-mode session and caches the token under the
// profile ID. Must not be called for OAuth2 sessions.
func (s *Sungrow) login(ctx context.Context, sess *auth.Session) (string, error) {
	secrets := sess.Secrets()
	if secrets.Sungrow == nil {
		return "", &types.ValidationError{Missing: []string{"appKey", "accessKey", "account", "password"}}
	}
	var missing []string
	if secrets.Sungrow.Account == "" {
		missing = append(missing, "account")
	}
	if secrets.Sungrow.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return "", &types.ValidationError{Missing: missing}
	}

	body := map[string]interface{}{
		"appkey":        secrets.Sungrow.AppKey,
		"user_account":  secrets.Sungrow.Account,
		"user_password": secrets.Sungrow.Password,
	}
	var res sungrowLoginResult
	if err := s.post(ctx, sess, sungrowLoginPath, "", body, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "sungrow login failed", slog.Any("error", err))
		return "", err
	}
	if res.LoginState != "1" {
		log.Ctx(ctx).WarnContext(ctx, "sungrow rejected login", slog.String("loginState", res.LoginState))
		return "", &types.AuthError{
			Vendor:  types.VendorSungrow,
			Code:    "INVALID_LOGIN",
			Message: fmt.Sprintf("login_state %s", res.LoginState),
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "sungrow login success", slog.String("profileID", sess.ProfileID))

	s.mu.Lock()
	s.tokens[sess.ProfileID] = res.Token
	s.mu.Unlock()
	return res.Token, nil
}

// token returns a usable API token for the session, logging in if the direct
// token cache is cold.
func (s *Sungrow) token(ctx context.Context, sess *auth.Session) (string, error) {
	if sess.Mode == types.AuthModeOAuth2 {
		return sess.AccessToken(ctx)
	}
	s.mu.Lock()
	tok, ok := s.tokens[sess.ProfileID]
	s.mu.Unlock()
	if ok {
		return tok, nil
	}
	return s.login(ctx, sess)
}

// post performs a single JSON POST against the API and decodes result_data
// into dest. It does not retry; doRequest layers the relogin loop on top.
func (s *Sungrow) post(ctx context.Context, sess *auth.Session, endpoint, token string, body map[string]interface{}, dest interface{}) error {
	secrets := sess.Secrets()
	if secrets.Sungrow == nil || secrets.Sungrow.AppKey == "" || secrets.Sungrow.AccessKey == "" {
		return &types.ValidationError{Missing: []string{"appKey", "accessKey"}}
	}

	u, err := url.Parse(s.base(sess))
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"appkey": secrets.Sungrow.AppKey,
	}
	if token != "" {
		payload["token"] = token
	}
	for k, v := range body {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-access-key", secrets.Sungrow.AccessKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return &types.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &types.TransientError{Err: fmt.Errorf("sungrow status %d", resp.StatusCode)}
		}
		return fmt.Errorf("sungrow status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.TransientError{Err: err}
	}

	var sr sungrowResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode sungrow response", slog.Any("error", err), slog.String("body", string(raw)))
		return err
	}

	if sr.ResultCode != "1" {
		return s.classify(sr)
	}

	if dest != nil {
		if err := json.Unmarshal(sr.ResultData, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode sungrow result", slog.Any("error", err))
			return fmt.Errorf("failed to decode sungrow result: %w", err)
		}
	}
	return nil
}

// sungrowTokenExpired is the envelope code for a dead login token.
const sungrowTokenExpired = "er_token_login_others"

func (s *Sungrow) classify(sr sungrowResponse) error {
	switch sr.ResultCode {
	case sungrowTokenExpired, "010":
		return &types.AuthError{Vendor: types.VendorSungrow, Code: "TOKEN_EXPIRED", Message: sr.ResultMsg}
	case "er_invalid_appkey", "401":
		return &types.AuthError{Vendor: types.VendorSungrow, Code: "INVALID_APPKEY", Message: sr.ResultMsg}
	case "er_too_many_requests", "009":
		return &types.TransientError{Err: fmt.Errorf("sungrow rate limited: %s", sr.ResultMsg)}
	default:
		if sr.ResultMsg == "" {
			return fmt.Errorf("sungrow error %s", sr.ResultCode)
		}
		return fmt.Errorf("sungrow error %s: %s", sr.ResultCode, sr.ResultMsg)
	}
}

// doRequest runs an authenticated call, logging in again once when the vendor
// reports the cached direct token expired.
func (s *Sungrow) doRequest(ctx context.Context, sess *auth.Session, endpoint string, body map[string]interface{}, dest interface{}) error {
	// we try up to 2 times because our cached token might have expired
	for i := 0; i < 2; i++ {
		tok, err := s.token(ctx, sess)
		if err != nil {
			return err
		}

		err = s.post(ctx, sess, endpoint, tok, body, dest)
		if err == nil {
			return nil
		}

		var authErr *types.AuthError
		if sess.Mode != types.AuthModeOAuth2 && i == 0 &&
			errors.As(err, &authErr) && authErr.Code == "TOKEN_EXPIRED" {
			log.Ctx(ctx).DebugContext(ctx, "sungrow token expired, logging in again", slog.String("profileID", sess.ProfileID))
			s.mu.Lock()
			delete(s.tokens, sess.ProfileID)
			s.mu.Unlock()
			continue
		}
		return err
	}
	return nil
}

// checkAuthorized rejects plants outside an OAuth2 grant before any vendor
// call is made.
func checkAuthorized(sess *auth.Session, vendorPlantID string) error {
	if !sess.PlantAuthorized(vendorPlantID) {
		return &types.AuthError{
			Vendor:  types.VendorSungrow,
			Code:    "PLANT_NOT_AUTHORIZED",
			Message: fmt.Sprintf("plant %s is outside the oauth2 grant", vendorPlantID),
		}
	}
	return nil
}

// Probe validates the session by listing the first page of plants.
func (s *Sungrow) Probe(ctx context.Context, sess *auth.Session) error {
	var res sungrowStationPage
	return s.doRequest(ctx, sess, "openapi/getStationList", map[string]interface{}{
		"curPage": 1,
		"size":    1,
	}, &res)
}

// SungrowOverview is the getStationDetail result. The vendor reports each
// measurement with its own unit, so values arrive in kW, kWh, and MWh mixed.
type SungrowOverview struct {
	StationID   string     `json:"ps_id"`
	Name        string     `json:"ps_name"`
	CurrPower   *UnitValue `json:"curr_power"`
	DayEnergy   *UnitValue `json:"today_energy"`
	MonthEnergy *UnitValue `json:"month_energy"`
	TotalEnergy *UnitValue `json:"total_energy"`
}

// GetOverview fetches the plant's headline figures.
func (s *Sungrow) GetOverview(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawOverview, error) {
	if err := checkAuthorized(sess, vendorPlantID); err != nil {
		return RawOverview{}, err
	}
	var res SungrowOverview
	if err := s.doRequest(ctx, sess, "openapi/getStationDetail", map[string]interface{}{
		"ps_id": vendorPlantID,
	}, &res); err != nil {
		return RawOverview{}, err
	}
	return RawOverview{Sungrow: &res}, nil
}

// GetPowerFlow is not available through the iSolarCloud openapi.
func (s *Sungrow) GetPowerFlow(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawPowerFlow, error) {
	return RawPowerFlow{}, types.ErrUnsupported
}

// SungrowDevice is one entry of the getDeviceList result.
type SungrowDevice struct {
	SerialNumber string   `json:"device_sn"`
	Name         string   `json:"device_name"`
	Type         int      `json:"device_type"`
	TemperatureC *float64 `json:"temperature,string"`
	VoltageV     *float64 `json:"voltage,string"`
	CurrentA     *float64 `json:"current,string"`
}

// SungrowDeviceList is the getDeviceList result.
type SungrowDeviceList struct {
	Total    int             `json:"rowCount"`
	PageList []SungrowDevice `json:"pageList"`
}

// GetDevices fetches per-equipment telemetry for the plant.
func (s *Sungrow) GetDevices(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawDeviceList, error) {
	if err := checkAuthorized(sess, vendorPlantID); err != nil {
		return RawDeviceList{}, err
	}
	var res SungrowDeviceList
	if err := s.doRequest(ctx, sess, "openapi/getDeviceList", map[string]interface{}{
		"ps_id":   vendorPlantID,
		"curPage": 1,
		"size":    100,
	}, &res); err != nil {
		return RawDeviceList{}, err
	}
	return RawDeviceList{Sungrow: &res}, nil
}

// SungrowSeriesPoint is one bucket of the station energy report. TimeStamp is
// the vendor's compact format, e.g. "20260829" for a day bucket.
type SungrowSeriesPoint struct {
	TimeStamp string     `json:"time_stamp"`
	Energy    *UnitValue `json:"energy"`
}

// SungrowSeries is the getStationEnergy result.
type SungrowSeries struct {
	Points []SungrowSeriesPoint `json:"point_list"`
}

// sungrowDateType maps granularity onto the vendor's date_type parameter.
func sungrowDateType(gran types.Granularity) string {
	switch gran {
	case types.GranularityMonth:
		return "2"
	case types.GranularityYear:
		return "3"
	default:
		return "1"
	}
}

// GetEnergySeries fetches historical production between start and end.
func (s *Sungrow) GetEnergySeries(ctx context.Context, sess *auth.Session, vendorPlantID string, start, end time.Time, gran types.Granularity) (RawSeries, error) {
	if err := checkAuthorized(sess, vendorPlantID); err != nil {
		return RawSeries{}, err
	}
	var res SungrowSeries
	if err := s.doRequest(ctx, sess, "openapi/getStationEnergy", map[string]interface{}{
		"ps_id":      vendorPlantID,
		"date_type":  sungrowDateType(gran),
		"start_time": start.Format("20060102"),
		"end_time":   end.Format("20060102"),
	}, &res); err != nil {
		return RawSeries{}, err
	}
	return RawSeries{Sungrow: &res}, nil
}

type sungrowStation struct {
	ID       json.Number `json:"ps_id"`
	Name     string      `json:"ps_name"`
	Capacity *UnitValue  `json:"total_capcity"` // yes, it's misspelled
	Status   int         `json:"ps_status"`
}

type sungrowStationPage struct {
	RowCount int              `json:"rowCount"`
	PageList []sungrowStation `json:"pageList"`
}

// DiscoverPlants enumerates the plants the credentials can see, preserving
// the vendor's page order. OAuth2 grants are narrowed to the authorized list,
// and connectivity comes from one realtime KPI probe per plant rather than
// the listing's status field.
func (s *Sungrow) DiscoverPlants(ctx context.Context, sess *auth.Session) ([]types.DiscoveredPlant, error) {
	var plants []types.DiscoveredPlant
	for page := 1; ; page++ {
		var res sungrowStationPage
		if err := s.doRequest(ctx, sess, "openapi/getStationList", map[string]interface{}{
			"curPage": page,
			"size":    50,
		}, &res); err != nil {
			return nil, err
		}

		for _, st := range res.PageList {
			id := st.ID.String()
			if sess.Mode == types.AuthModeOAuth2 && !sess.PlantAuthorized(id) {
				continue
			}
			var capKW float64
			if st.Capacity != nil {
				capKW = capacityKW(*st.Capacity)
			}
			plants = append(plants, types.DiscoveredPlant{
				VendorPlantID: id,
				Name:          st.Name,
				CapacityKW:    capKW,
				Connectivity:  types.ConnectivityTesting,
			})
		}

		if len(res.PageList) < 50 || len(plants) >= res.RowCount {
			break
		}
	}

	var wg sync.WaitGroup
	for i := range plants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var probe json.RawMessage
			err := s.doRequest(ctx, sess, "openapi/getStationRealKpi", map[string]interface{}{
				"ps_id": plants[i].VendorPlantID,
			}, &probe)
			plants[i].Connectivity = probeConnectivity(err)
		}(i)
	}
	wg.Wait()

	log.Ctx(ctx).DebugContext(ctx, "sungrow discovery", slog.Int("plants", len(plants)))
	return plants, nil
}

// capacityKW converts a reported capacity to kW.
func capacityKW(v UnitValue) float64 {
	switch v.Unit {
	case "MW", "MWp":
		return v.Value * 1000
	case "W", "Wp":
		return v.Value / 1000
	default:
		// kW / kWp
		return v.Value
	}
}
