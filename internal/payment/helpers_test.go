package payment

import (
	"encoding/json"
	"net/http"
)

func decodeJSONBody(req *http.Request, dst any) error {
	defer func() { _ = req.Body.Close() }()
	return json.NewDecoder(req.Body).Decode(dst)
}
