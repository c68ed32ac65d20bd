package tinyble

import (
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
)

// StartScan runs the TinyGo scan loop on its own goroutine.
func (a *Adapter) StartScan(_ bool, cb native.ScanCallbacks) bool {
	if err := a.enable(); err != nil {
		a.logger.WithError(err).Error("Failed to enable bluetooth adapter")
		return false
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return false
	}
	a.scanning = true
	a.mu.Unlock()

	a.run("tinyble-scan", func() {
		err := a.bt.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			if cb.OnResult != nil {
				cb.OnResult(convertResult(r))
			}
		})

		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()

		if err != nil {
			a.logger.WithError(err).Debug("Scan failed")
			if cb.OnFailed != nil {
				cb.OnFailed(scanFailureOf(err))
			}
		}
	})
	return true
}

func (a *Adapter) StopScan() bool {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return false
	}
	if err := a.bt.StopScan(); err != nil {
		a.logger.WithError(err).Warn("Failed to stop scan")
		return false
	}
	return true
}

func convertResult(r bluetooth.ScanResult) native.Advertisement {
	ad := native.Advertisement{
		Address:     r.Address.String(),
		Name:        r.LocalName(),
		RSSI:        int(r.RSSI),
		Connectable: true,
	}
	for _, m := range r.ManufacturerData() {
		ad.ManufacturerData = append(ad.ManufacturerData, byte(m.CompanyID), byte(m.CompanyID>>8))
		ad.ManufacturerData = append(ad.ManufacturerData, m.Data...)
	}
	return ad
}

func scanFailureOf(err error) gatt.ScanFailure {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already"):
		return gatt.ScanFailedAlreadyStarted
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "powered off"):
		return gatt.ScanFailedFeatureUnsupported
	default:
		return gatt.ScanFailedInternalError
	}
}
