package gateway

import (
	"fmt"
	"net/http"

	"github.com/skip2/go-qrcode"
)

const (
	qrDefaultSize = 256
	qrMinSize     = 128
	qrMaxSize     = 512
)

// handlePairingQR renders the outstanding pairing token as a PNG QR code.
func (s *Server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	size, err := intParam(r, "size")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	token, err := s.pairingToken(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	png, err := renderQR(token, size)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png) //nolint:errcheck
}

func renderQR(token string, size int) ([]byte, error) {
	switch {
	case size == 0:
		size = qrDefaultSize
	case size < qrMinSize:
		size = qrMinSize
	case size > qrMaxSize:
		size = qrMaxSize
	}
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render pairing qr: %w", err)
	}
	return png, nil
}
