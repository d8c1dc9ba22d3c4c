// Package signaling определяет контракт сигнальных сообщений вызова и
// транспортный уровень для их доставки.
//
// Сообщения (Message) - неизменяемые значения: после отправки или получения
// они не модифицируются. Транспорт (Transport) не гарантирует порядок и
// доставку - уровнем выше это компенсируется идемпотентной обработкой.
//
// Реализации транспорта:
//   - WebSocketTransport - продакшн транспорт поверх gorilla/websocket
//   - ChannelTransport   - in-memory транспорт для тестов и локальных пар
//
// Обе реализации выбираются при конструировании, ядро вызова никогда не
// ветвится по типу транспорта.
package signaling
