package tools

import "github.com/MrWong99/voxrelay/pkg/realtime"

// Calendar returns the calendar management tool definition.
func Calendar() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        "calendar",
		Description: "Управление календарем: создание, просмотр и изменение событий",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"create", "read", "update", "delete"},
					"description": "Действие с календарем",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Название события",
				},
				"date": map[string]any{
					"type":        "string",
					"description": "Дата события в формате ISO 8601",
				},
			},
			"required": []string{"action"},
		},
	}
}

// CRM returns the CRM lookup/update tool definition.
func CRM() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        "crm",
		Description: "Работа с CRM системой: получение информации о клиентах, создание записей",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"get_client", "create_client", "update_client", "search"},
					"description": "Действие с CRM",
				},
				"client_id": map[string]any{
					"type":        "string",
					"description": "ID клиента",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Поисковый запрос",
				},
			},
			"required": []string{"action"},
		},
	}
}

// Weather returns the weather forecast tool definition.
func Weather() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        "weather",
		Description: "Получение информации о погоде для указанного города",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "Название города",
				},
				"date": map[string]any{
					"type":        "string",
					"description": "Дата для прогноза (опционально)",
				},
			},
			"required": []string{"city"},
		},
	}
}
