package call

// Ringer управляет локальной звуковой индикацией вызова.
// Потребляется автоматом так же, как media.Engine: реализация выбирается
// при конструировании.
type Ringer interface {
	// StartRingback запускает гудок вызывающей стороны
	StartRingback()

	// StartRingtone запускает мелодию входящего вызова
	StartRingtone()

	// Stop останавливает любую индикацию. Идемпотентен.
	Stop()
}

// NopRinger реализация без звука, используется по умолчанию
type NopRinger struct{}

func (NopRinger) StartRingback() {}
func (NopRinger) StartRingtone() {}
func (NopRinger) Stop()          {}

var _ Ringer = NopRinger{}
