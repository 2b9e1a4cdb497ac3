package localstore

import "log/slog"

// Tiered склеивает два tier'а: чтения предпочитают зашифрованный,
// записи зеркалируются в оба. Если secure tier недоступен, работаем
// только с plain — деградация, не отказ.
type Tiered struct {
	secure Store // может быть nil
	plain  Store
}

func NewTiered(secure, plain Store) *Tiered {
	return &Tiered{secure: secure, plain: plain}
}

func (t *Tiered) Get(key string) (string, bool, error) {
	if t.secure != nil {
		if v, ok, err := t.secure.Get(key); err == nil && ok {
			return v, true, nil
		}
	}
	return t.plain.Get(key)
}

func (t *Tiered) Set(key, value string) error {
	var secureErr error
	if t.secure != nil {
		secureErr = t.secure.Set(key, value)
		if secureErr != nil {
			slog.Warn("secure store set failed, plain tier only", "key", key, "error", secureErr.Error())
		}
	}
	if err := t.plain.Set(key, value); err != nil {
		if secureErr != nil {
			return err
		}
		// secure запись прошла — значение не потеряно
		slog.Warn("plain store set failed", "key", key, "error", err.Error())
	}
	return nil
}

func (t *Tiered) Delete(key string) error {
	if t.secure != nil {
		_ = t.secure.Delete(key)
	}
	return t.plain.Delete(key)
}
