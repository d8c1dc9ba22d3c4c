// Package call реализует координатор сессий вызова: конечный автомат
// одиночной активной сессии (Machine) и координатор (Coordinator),
// превращающий терминальные переходы в записи журнала вызовов.
//
// Machine владеет не более чем одной сессией. Все операции - локальные
// действия пользователя, входящие сигнальные сообщения и колбеки
// таймеров - исполняются на одной последовательной временной шкале,
// поэтому автомат никогда не наблюдает частично примененный переход.
//
// Медиа-захват (media.Engine), доставка сигналов (signaling.Transport)
// и журнал (history.Store) потребляются через узкие интерфейсы: пакет
// не реализует ни транспорт, ни медиа-плоскость.
package call
