package tabular_test

import (
	"strings"
	"testing"

	"rollcall/internal/tabular"
)

func TestReadPolicies(t *testing.T) {
	src := strings.Join([]string{
		"Тема,Дедлайн,Формат,Активна,Чат",
		"Отчёт,18:00,#Фамилия_Имя,да,-1001234567890",
		"Планы,09:30,#Фамилия_Имя,нет,-1001234567890",
		"Сломанная,25:99,#Фамилия_Имя,да,-100",
		"КороткаяСтрока,10:00",
	}, "\n")
	policies, warnings, err := tabular.ReadPolicies(strings.NewReader(src))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if !policies[0].Active || policies[0].Topic != "Отчёт" || policies[0].Deadline != "18:00" {
		t.Fatalf("unexpected first policy: %+v", policies[0])
	}
	if policies[1].Active {
		t.Fatal("second policy should be inactive")
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
}

func TestReadRoster(t *testing.T) {
	src := "Участник\nИванов Пётр\n\nСидорова Анна\nИванов Пётр\n"
	names, warnings, err := tabular.ReadRoster(strings.NewReader(src))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(names) != 2 || names[0] != "Иванов Пётр" || names[1] != "Сидорова Анна" {
		t.Fatalf("unexpected roster: %v", names)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected duplicate warning, got %v", warnings)
	}
}

func TestHeaderOnly(t *testing.T) {
	names, _, err := tabular.ReadRoster(strings.NewReader("Участник\n"))
	if err != nil || len(names) != 0 {
		t.Fatalf("expected empty roster, got %v (%v)", names, err)
	}
}
