package providers

import (
	"io"
	"net/http"
	"strings"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

func statusError(provider string, resp *http.Response) error {
	if resp == nil {
		return model.NewTransportError(provider, nil)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := strings.TrimSpace(string(raw))
	return model.NewStatusError(provider, resp.StatusCode, body)
}
