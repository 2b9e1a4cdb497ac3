package location

import (
	"context"

	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/pkg/errors"
)

// ErrPermissionDenied — источник координат отказал в доступе; вызывающий
// решает, деградировать или падать.
var ErrPermissionDenied = errors.New("location: permission denied")

// Source отдаёт координаты устройства. LastKnown не блокирует и может
// вернуть устаревший фикс; Current делает свежий замер.
type Source interface {
	LastKnown() (*models.Fix, bool)
	Current(ctx context.Context, highAccuracy bool) (*models.Fix, error)
}
