package api

import (
	"errors"
	"fmt"
	"net/url"

	"fleetroute/internal/model"
)

type callbackRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type optimizeRequest struct {
	Instance *model.Instance  `json:"instance"`
	Settings model.JobSettings `json:"settings"`
	Callback *callbackRequest  `json:"callback,omitempty"`
}

type baselineRequest struct {
	Instance  *model.Instance `json:"instance"`
	ShiftID   string          `json:"shiftId,omitempty"`
	AllShifts bool            `json:"allShifts,omitempty"`
}

// validateOptimizeRequest checks the envelope. Instance and solver settings are
// validated by the runner.
func validateOptimizeRequest(req *optimizeRequest) error {
	if req.Instance == nil {
		return errors.New("instance is required")
	}
	if req.Settings.AllShifts && req.Settings.ShiftID != "" {
		return errors.New("shiftId and allShifts are mutually exclusive")
	}
	if req.Settings.OSRMURL != "" {
		if err := checkHTTPURL(req.Settings.OSRMURL); err != nil {
			return fmt.Errorf("settings.osrmUrl: %w", err)
		}
	}
	if req.Callback != nil {
		if err := checkHTTPURL(req.Callback.URL); err != nil {
			return fmt.Errorf("callback.url: %w", err)
		}
	}
	return nil
}

func validateBaselineRequest(req *baselineRequest) error {
	if req.Instance == nil {
		return errors.New("instance is required")
	}
	if req.AllShifts && req.ShiftID != "" {
		return errors.New("shiftId and allShifts are mutually exclusive")
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}
