// Тесты parseOwnerName — имя владельца пода из hostname.
package main

import "testing"

func TestParseOwnerName(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     string
	}{
		{
			name:     "Deployment",
			hostname: "librarian-7d8f9b6c4f-x2k9z",
			want:     "librarian",
		},
		{
			name:     "Deployment с длинным именем",
			hostname: "librarian-restricted-01-5fbcd8d7b9-k4m2j",
			want:     "librarian-restricted-01",
		},
		{
			name:     "StatefulSet — ordinal 0",
			hostname: "librarian-sts-0",
			want:     "librarian-sts",
		},
		{
			name:     "StatefulSet — ordinal 42",
			hostname: "librarian-sts-42",
			want:     "librarian-sts",
		},
		{
			name:     "Верхний регистр",
			hostname: "Librarian-Sts-3",
			want:     "librarian-sts",
		},
		{
			name:     "Fallback — простое имя",
			hostname: "my-app",
			want:     "my-app",
		},
		{
			name:     "Fallback — localhost",
			hostname: "localhost",
			want:     "localhost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwnerName(tt.hostname)
			if got != tt.want {
				t.Errorf("parseOwnerName(%q) = %q, want %q", tt.hostname, got, tt.want)
			}
		})
	}
}

func TestGetDiskUsage(t *testing.T) {
	total, used, available, err := getDiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("getDiskUsage: %v", err)
	}
	if total <= 0 || available < 0 || used != total-available {
		t.Errorf("некорректная ёмкость: total=%d used=%d available=%d", total, used, available)
	}

	if _, _, _, err := getDiskUsage("/nonexistent/librarian"); err == nil {
		t.Error("ожидалась ошибка для несуществующего пути")
	}
}
