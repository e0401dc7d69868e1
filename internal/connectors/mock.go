package connectors

import (
	"context"
	"sync"
)

// MockProvider — детерминированный коннектор для тестов.
// Отдает заранее заданные ответы по очереди и запоминает полученные промпты.
type MockProvider struct {
	mu        sync.Mutex
	ModelName string
	Responses [][]byte // очередной вызов забирает следующий элемент
	Errs      []error  // параллельная очередь ошибок, nil = успех
	Calls     []MockCall
}

type MockCall struct {
	System string
	User   string
}

func (m *MockProvider) Name() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

func (m *MockProvider) Complete(ctx context.Context, system, user string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.Calls)
	m.Calls = append(m.Calls, MockCall{System: system, User: user})

	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}
	if idx < len(m.Responses) {
		return m.Responses[idx], nil
	}
	// Закончились подготовленные ответы — повторяем последний
	if len(m.Responses) > 0 {
		return m.Responses[len(m.Responses)-1], nil
	}
	return []byte(`{"evaluations":[]}`), nil
}

// CallCount возвращает число выполненных вызовов.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
