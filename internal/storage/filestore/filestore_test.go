package filestore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// writeTemp создаёт временный файл в incoming/ с указанным содержимым.
func writeTemp(t *testing.T, fs *FileStore, data []byte) string {
	t.Helper()
	f, err := fs.CreateTemp()
	if err != nil {
		t.Fatalf("ошибка создания временного файла: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("ошибка закрытия: %v", err)
	}
	return f.Name()
}

// TestNew_CreatesIncoming проверяет создание корня и incoming/.
func TestNew_CreatesIncoming(t *testing.T) {
	root := filepath.Join(t.TempDir(), "librarian")

	fs, err := New(root)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if fs.Root() != root {
		t.Errorf("ожидался корень %s, получен %s", root, fs.Root())
	}

	info, err := os.Stat(filepath.Join(root, IncomingDir))
	if err != nil {
		t.Fatalf("incoming/ не создана: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("incoming не является директорией")
	}
}

// TestResolvePath проверяет детерминированную раскладку по шардам.
func TestResolvePath(t *testing.T) {
	tests := []struct {
		id   int64
		want string
	}{
		{1, "00/00/00/01"},
		{0, "00/00/00/00"},
		{255, "00/00/00/ff"},
		{0x12345678, "12/34/56/78"},
		{0xffffffff, "ff/ff/ff/ff"},
		{0x100000000, "10/00/00/000"},
	}

	for _, tt := range tests {
		got := ResolvePath(tt.id)
		if got != tt.want {
			t.Errorf("ResolvePath(%d) = %q, ожидалось %q", tt.id, got, tt.want)
		}
		// Повторный вызов даёт тот же результат
		if again := ResolvePath(tt.id); again != got {
			t.Errorf("ResolvePath(%d) недетерминирован: %q != %q", tt.id, got, again)
		}
	}
}

// TestResolvePath_Injective проверяет, что разные ID дают разные пути.
func TestResolvePath_Injective(t *testing.T) {
	seen := make(map[string]int64)
	for _, id := range []int64{1, 16, 256, 4096, 65536, 1 << 24, 1<<32 - 1, 1 << 32, 1<<32 + 1} {
		p := ResolvePath(id)
		if other, ok := seen[p]; ok {
			t.Errorf("ID %d и %d дают один путь %s", id, other, p)
		}
		seen[p] = id
	}
}

// TestPublish проверяет атомарную публикацию временного файла.
func TestPublish(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	content := []byte("hello world")
	tmp := writeTemp(t, fs, content)

	if fs.HasFile(1) {
		t.Fatal("файл не должен существовать до публикации")
	}

	if err := fs.Publish(tmp, 1); err != nil {
		t.Fatalf("ошибка публикации: %v", err)
	}

	if !fs.HasFile(1) {
		t.Error("файл должен существовать после публикации")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("временный файл должен исчезнуть после публикации")
	}

	data, err := os.ReadFile(filepath.Join(fs.Root(), "00", "00", "00", "01"))
	if err != nil {
		t.Fatalf("ошибка чтения опубликованного файла: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое не совпадает")
	}
}

// TestPublish_RefusesOverwrite проверяет защиту существующего файла.
func TestPublish_RefusesOverwrite(t *testing.T) {
	fs, _ := New(t.TempDir())

	if err := fs.Publish(writeTemp(t, fs, []byte("first")), 7); err != nil {
		t.Fatalf("ошибка первой публикации: %v", err)
	}

	tmp := writeTemp(t, fs, []byte("second"))
	err := fs.Publish(tmp, 7)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("ожидалась ErrAlreadyExists, получено: %v", err)
	}

	data, _ := os.ReadFile(fs.FullPath(7))
	if string(data) != "first" {
		t.Errorf("существующий файл перезаписан: %q", data)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Errorf("временный файл должен остаться после отказа: %v", err)
	}
}

// TestPublish_ConcurrentSameID проверяет, что из параллельных публикаций
// в один ID успешна ровно одна, а остальные не затирают её файл.
func TestPublish_ConcurrentSameID(t *testing.T) {
	fs, _ := New(t.TempDir())

	const n = 16
	temps := make([]string, n)
	for i := range temps {
		temps[i] = writeTemp(t, fs, []byte{byte('a' + i)})
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fs.Publish(temps[i], 9)
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("публикации %d и %d обе успешны", winner, i)
			}
			winner = i
		case !errors.Is(err, ErrAlreadyExists):
			t.Errorf("публикация %d: ожидалась ErrAlreadyExists, получено: %v", i, err)
		}
	}
	if winner < 0 {
		t.Fatal("ни одна публикация не прошла")
	}

	data, err := os.ReadFile(fs.FullPath(9))
	if err != nil {
		t.Fatalf("ошибка чтения опубликованного файла: %v", err)
	}
	if !bytes.Equal(data, []byte{byte('a' + winner)}) {
		t.Errorf("опубликован файл не победителя: %q", data)
	}
}

// TestPublish_ConcurrentShardDirs проверяет, что параллельное создание
// общих шардовых директорий не приводит к ошибкам.
func TestPublish_ConcurrentShardDirs(t *testing.T) {
	fs, _ := New(t.TempDir())

	const n = 16
	temps := make([]string, n)
	for i := range temps {
		temps[i] = writeTemp(t, fs, []byte{byte(i)})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Все ID попадают в один шард 00/00/01/xx
			errs <- fs.Publish(temps[i], int64(0x100+i))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("ошибка параллельной публикации: %v", err)
		}
	}
}

// TestOpen_NotFound проверяет ошибку при отсутствии файла.
func TestOpen_NotFound(t *testing.T) {
	fs, _ := New(t.TempDir())

	_, err := fs.Open(42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено: %v", err)
	}
}

// TestSameContent проверяет побайтовое сравнение.
func TestSameContent(t *testing.T) {
	fs, _ := New(t.TempDir())

	// Больше одного блока сравнения
	big := []byte(strings.Repeat("librarian", 2000))
	if err := fs.Publish(writeTemp(t, fs, big), 1); err != nil {
		t.Fatalf("ошибка публикации: %v", err)
	}

	t.Run("equal", func(t *testing.T) {
		same, err := fs.SameContent(writeTemp(t, fs, big), 1)
		if err != nil {
			t.Fatalf("ошибка сравнения: %v", err)
		}
		if !same {
			t.Error("одинаковые файлы должны совпадать")
		}
	})

	t.Run("differs in last chunk", func(t *testing.T) {
		other := append([]byte(nil), big...)
		other[len(other)-1] ^= 0xff
		same, err := fs.SameContent(writeTemp(t, fs, other), 1)
		if err != nil {
			t.Fatalf("ошибка сравнения: %v", err)
		}
		if same {
			t.Error("файлы с разным последним байтом не должны совпадать")
		}
	})

	t.Run("prefix", func(t *testing.T) {
		same, err := fs.SameContent(writeTemp(t, fs, big[:compareChunkSize]), 1)
		if err != nil {
			t.Fatalf("ошибка сравнения: %v", err)
		}
		if same {
			t.Error("префикс не должен совпадать с полным файлом")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if err := fs.Publish(writeTemp(t, fs, nil), 2); err != nil {
			t.Fatalf("ошибка публикации: %v", err)
		}
		same, err := fs.SameContent(writeTemp(t, fs, nil), 2)
		if err != nil {
			t.Fatalf("ошибка сравнения: %v", err)
		}
		if !same {
			t.Error("пустые файлы должны совпадать")
		}
	})
}

// TestComputeChecksums проверяет пересчёт дайджестов.
func TestComputeChecksums(t *testing.T) {
	fs, _ := New(t.TempDir())
	content := []byte("hello world")
	if err := fs.Publish(writeTemp(t, fs, content), 3); err != nil {
		t.Fatalf("ошибка публикации: %v", err)
	}

	sums, err := fs.ComputeChecksums(3)
	if err != nil {
		t.Fatalf("ошибка вычисления: %v", err)
	}

	want := sha1.Sum(content)
	if sums.SHA1 != hex.EncodeToString(want[:]) {
		t.Errorf("SHA1: ожидалось %x, получено %s", want, sums.SHA1)
	}
	if sums.SHA1 != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("SHA1 hello world: получено %s", sums.SHA1)
	}
	if sums.MD5 != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("MD5: получено %s", sums.MD5)
	}
	if sums.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), sums.Size)
	}
}

// TestRemoveTemp_Missing проверяет идемпотентность удаления.
func TestRemoveTemp_Missing(t *testing.T) {
	fs, _ := New(t.TempDir())
	if err := fs.RemoveTemp(filepath.Join(fs.Root(), IncomingDir, "nope")); err != nil {
		t.Errorf("удаление отсутствующего файла не должно быть ошибкой: %v", err)
	}
}
