package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/native"
)

// StartScan starts a go-ble scan on a fresh device. Results and a late
// failure are reported through cb from the scan goroutine.
func (a *Adapter) StartScan(allowDuplicates bool, cb native.ScanCallbacks) bool {
	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		return false
	}
	dev, err := DeviceFactory()
	if err != nil {
		a.mu.Unlock()
		a.logger.WithError(NormalizeError(err)).Error("Failed to create BLE device")
		return false
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.scanCancel = cancel
	a.mu.Unlock()

	a.run("goble-scan", func() {
		err := dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			if cb.OnResult != nil {
				cb.OnResult(convertAdvertisement(adv))
			}
		})

		a.mu.Lock()
		if ctx.Err() == nil {
			a.scanCancel = nil
		}
		a.mu.Unlock()
		cancel()

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		a.logger.WithError(NormalizeError(err)).Debug("Scan failed")
		if cb.OnFailed != nil {
			cb.OnFailed(scanFailureOf(err))
		}
	})
	return true
}

func (a *Adapter) StopScan() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel == nil {
		return false
	}
	a.scanCancel()
	a.scanCancel = nil
	return true
}

func convertAdvertisement(adv ble.Advertisement) native.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}
	var addr string
	if adv.Addr() != nil {
		addr = adv.Addr().String()
	}
	return native.Advertisement{
		Address:          addr,
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		Services:         services,
		ManufacturerData: adv.ManufacturerData(),
	}
}
