package deviceapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/HumansWindow/lastproject-sub014/internal/libhttp"
)

// Binding answers whether a device is bound to a wallet. Implemented by
// the authentication service; the queue calls it before any mutation.
type Binding interface {
	IsDeviceBoundToWallet(ctx context.Context, deviceID, walletAddress string) (bool, error)
}

// DeviceApi is the HTTP client for the authentication service's
// device-binding endpoint.
type DeviceApi struct {
	url    string
	token  string
	logger *logrus.Logger
}

func NewDeviceApi(url, token string, logger *logrus.Logger) *DeviceApi {
	return &DeviceApi{
		url:    url,
		token:  token,
		logger: logger,
	}
}

type bindingResponse struct {
	Bound bool `json:"bound"`
}

func (d *DeviceApi) IsDeviceBoundToWallet(ctx context.Context, deviceID, walletAddress string) (bool, error) {
	endpoint := d.url + "/devices/binding"

	query := url.Values{}
	query.Set("device_id", deviceID)
	query.Set("wallet_address", walletAddress)

	res, err := libhttp.Call[bindingResponse](ctx, http.MethodGet, endpoint, map[string]string{
		"Authorization": "Bearer " + d.token,
	}, nil, query)
	if err != nil {
		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"endpoint":  endpoint,
				"device_id": deviceID,
			}).WithError(err).Error("Failed to check device binding")
		}
		return false, fmt.Errorf("libhttp.Call: %w", err)
	}
	return res.Bound, nil
}
