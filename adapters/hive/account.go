// Package hive checks credentials against the platform's project
// management (PM) cell.
package hive

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"chinotype/internal/errors"
	"chinotype/ports"
)

// ServicesPath is appended to the PM cell address
const ServicesPath = "getServices"

const getServicesMessage = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<i2b2:request xmlns:i2b2="http://www.i2b2.org/xsd/hive/msg/1.1/" xmlns:pm="http://www.i2b2.org/xsd/cell/pm/1.1/">
  <message_header>
    <i2b2_version_compatible>1.1</i2b2_version_compatible>
    <sending_application>
      <application_name>chinotype</application_name>
      <application_version>1.0</application_version>
    </sending_application>
    <sending_facility>
      <facility_name>chinotype</facility_name>
    </sending_facility>
    <security>
      <domain>%s</domain>
      <username>%s</username>
      <password>%s</password>
    </security>
    <message_type>
      <message_code>PM</message_code>
      <event_type>GET</event_type>
    </message_type>
    <processing_id>
      <processing_id>P</processing_id>
      <processing_mode>I</processing_mode>
    </processing_id>
    <accept_acknowledgement_type>AL</accept_acknowledgement_type>
    <application_acknowledgement_type>AL</application_acknowledgement_type>
    <country_code>US</country_code>
    <project_id>undefined</project_id>
  </message_header>
  <request_header>
    <result_waittime_ms>180000</result_waittime_ms>
  </request_header>
  <message_body>
    <pm:get_user_configuration>
      <project>undefined</project>
    </pm:get_user_configuration>
  </message_body>
</i2b2:request>`

// HiveError is an ERROR status in a PM response
type HiveError struct {
	Message string
}

func (e *HiveError) Error() string { return e.Message }

// BadFormat is a PM response without the expected user element
type BadFormat struct {
	Reason string
}

func (e *BadFormat) Error() string { return e.Reason }

// UserConfig is what the PM cell reports for valid credentials
type UserConfig struct {
	SessionKey string
	// Cells maps cell id to its service address.
	Cells    map[string]string
	Projects []string
}

// AccountCheck verifies credentials with the PM cell
type AccountCheck struct {
	pmURL      string
	domain     string
	httpClient *http.Client
	log        *zerolog.Logger
}

var _ ports.AccountChecker = (*AccountCheck)(nil)

// NewAccountCheck creates a checker posting to pmURL
func NewAccountCheck(pmURL, domain string, timeout time.Duration, log *zerolog.Logger) *AccountCheck {
	return &AccountCheck{
		pmURL:      pmURL,
		domain:     domain,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Check returns the session key for valid credentials. Rejections carry
// the UNAUTHORIZED code.
func (a *AccountCheck) Check(ctx context.Context, username, password string) (string, error) {
	cfg, err := a.UserConfiguration(ctx, username, password)
	if err != nil {
		return "", err
	}
	return cfg.SessionKey, nil
}

// UserConfiguration posts a getServices request and parses the reply
func (a *AccountCheck) UserConfiguration(ctx context.Context, username, password string) (*UserConfig, error) {
	body := fmt.Sprintf(getServicesMessage, escape(a.domain), escape(username), escape(password))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.pmURL+ServicesPath, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build PM request")
	}
	req.Header.Set("Content-Type", "text/xml")

	a.log.Debug().Str("user", username).Str("url", req.URL.String()).Msg("checking credentials")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.ExternalServiceError("PM cell", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ExternalServiceError("PM cell", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.ExternalServiceError("PM cell", fmt.Errorf("status %d: %s", resp.StatusCode, reply))
	}

	cfg, err := ParseConfig(reply, username)
	if err != nil {
		a.log.Info().Str("user", username).Err(err).Msg("credentials rejected")
		return nil, errors.WithCode(errors.CodeUnauthorized, err)
	}
	return cfg, nil
}

// ParseConfig reads a PM getServices reply for username
func ParseConfig(reply []byte, username string) (*UserConfig, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(reply); err != nil {
		return nil, &BadFormat{Reason: "cannot parse PM response: " + err.Error()}
	}

	user := doc.FindElement("//user")
	if user == nil || elementText(user.SelectElement("user_name")) != username {
		if status := doc.FindElement("//status[@type='ERROR']"); status != nil {
			return nil, &HiveError{Message: elementText(status)}
		}
		return nil, &BadFormat{Reason: "cannot find username in response"}
	}

	cfg := &UserConfig{
		SessionKey: elementText(user.SelectElement("password")),
		Cells:      map[string]string{},
	}
	for _, cell := range doc.FindElements("//cell_datas/cell_data") {
		if u := cell.SelectElement("url"); u != nil {
			cfg.Cells[cell.SelectAttrValue("id", "")] = elementText(u)
		}
	}
	for _, p := range user.SelectElements("project") {
		cfg.Projects = append(cfg.Projects, p.SelectAttrValue("id", ""))
	}
	return cfg, nil
}

func elementText(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

// DecodePassword strips <password ...> markup around a session key
func DecodePassword(txt string) string {
	if i := strings.Index(txt, ">"); i >= 0 {
		txt = txt[i+1:]
	}
	if i := strings.Index(txt, "<"); i >= 0 {
		txt = txt[:i]
	}
	return txt
}

func escape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// StaticAccounts checks credentials against a fixed user:password map
type StaticAccounts map[string]string

var _ ports.AccountChecker = StaticAccounts(nil)

// Check accepts a known user whose decoded password matches
func (s StaticAccounts) Check(_ context.Context, username, password string) (string, error) {
	want, ok := s[username]
	if !ok || want != DecodePassword(password) {
		return "", errors.Unauthorized("incorrect credentials")
	}
	return "static:" + username, nil
}
