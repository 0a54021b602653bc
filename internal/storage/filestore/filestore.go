// Пакет filestore — content-addressed хранилище блобов на диске.
// Каждое содержимое лежит по пути, однозначно вычисляемому из его ID
// (ResolvePath). Новые файлы пишутся во временный файл в incoming/
// и публикуются жёсткой ссылкой в пределах одного тома.
package filestore

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// IncomingDir — имя поддиректории для незавершённых загрузок.
const IncomingDir = "incoming"

// compareChunkSize — размер блока при побайтовом сравнении.
const compareChunkSize = 4096

// ErrAlreadyExists — по пути назначения уже лежит файл.
var ErrAlreadyExists = errors.New("файл содержимого уже существует")

// ErrNotFound — файла содержимого нет на диске.
var ErrNotFound = errors.New("файл содержимого не найден")

// FileStore — управление файлами содержимого на диске.
type FileStore struct {
	// root — корневая директория хранилища (LIBRARIAN_ROOT)
	root string
}

// Checksums — дайджесты содержимого файла.
type Checksums struct {
	Size   int64
	SHA1   string
	MD5    string
	SHA256 string
}

// New создаёт FileStore. Создаёт корневую директорию и incoming/,
// если они не существуют.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, IncomingDir), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// ResolvePath возвращает относительный путь файла содержимого.
// ID форматируется как %08x и режется на сегменты по 2 символа:
// 1 → 00/00/00/01, 0x12345678 → 12/34/56/78.
// ID больше 0xffffffff дают более длинный последний сегмент.
// Разделитель всегда "/": путь используется и как ключ объекта в S3.
func ResolvePath(contentID int64) string {
	h := fmt.Sprintf("%08x", contentID)
	return h[0:2] + "/" + h[2:4] + "/" + h[4:6] + "/" + h[6:]
}

// Root возвращает корневую директорию хранилища.
func (fs *FileStore) Root() string {
	return fs.root
}

// FullPath возвращает абсолютный путь к файлу содержимого.
func (fs *FileStore) FullPath(contentID int64) string {
	return filepath.Join(fs.root, filepath.FromSlash(ResolvePath(contentID)))
}

// HasFile проверяет наличие файла содержимого на диске.
// База метаданных не используется.
func (fs *FileStore) HasFile(contentID int64) bool {
	info, err := os.Stat(fs.FullPath(contentID))
	return err == nil && info.Mode().IsRegular()
}

// CreateTemp создаёт временный файл в incoming/.
// Файл невидим для чтения до Publish.
func (fs *FileStore) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(fs.root, IncomingDir), "upload-*")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	return f, nil
}

// Publish перемещает временный файл на постоянное место содержимого.
//
// Шардовые директории создаются при необходимости; гонка с параллельным
// созданием тех же директорий не является ошибкой. Файл публикуется
// жёсткой ссылкой: link(2) атомарно отказывает, если путь занят, поэтому
// существующий файл назначения не перезаписывается (ErrAlreadyExists),
// а временный файл при отказе остаётся на месте.
func (fs *FileStore) Publish(tempPath string, contentID int64) error {
	finalPath := fs.FullPath(contentID)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории %s: %w", filepath.Dir(finalPath), err)
	}

	if err := os.Link(tempPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, ResolvePath(contentID))
		}
		return fmt.Errorf("ошибка публикации %s: %w", ResolvePath(contentID), err)
	}

	// Файл уже опубликован; если временный не удалился, его уберёт RemoveTemp вызывающего кода
	_ = os.Remove(tempPath)
	return nil
}

// Open открывает файл содержимого для чтения.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(contentID int64) (*os.File, error) {
	f, err := os.Open(fs.FullPath(contentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ResolvePath(contentID))
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", ResolvePath(contentID), err)
	}
	return f, nil
}

// SameContent побайтово сравнивает файл по пути path с содержимым contentID.
// Сравнение идёт блоками по 4096 байт и прекращается на первом расхождении.
func (fs *FileStore) SameContent(path string, contentID int64) (bool, error) {
	a, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer a.Close()

	b, err := fs.Open(contentID)
	if err != nil {
		return false, err
	}
	defer b.Close()

	return sameReaders(a, b)
}

// sameReaders сравнивает два потока блоками фиксированного размера.
func sameReaders(a, b io.Reader) (bool, error) {
	bufA := make([]byte, compareChunkSize)
	bufB := make([]byte, compareChunkSize)
	for {
		nA, errA := io.ReadFull(a, bufA)
		nB, errB := io.ReadFull(b, bufB)

		if errA != nil && errA != io.EOF && errA != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("ошибка чтения при сравнении: %w", errA)
		}
		if errB != nil && errB != io.EOF && errB != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("ошибка чтения при сравнении: %w", errB)
		}

		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}
		// Короткое чтение означает конец обоих потоков (длины совпали)
		if nA < compareChunkSize {
			return true, nil
		}
	}
}

// ComputeChecksums пересчитывает размер и дайджесты файла содержимого.
// Используется при проверке целостности.
func (fs *FileStore) ComputeChecksums(contentID int64) (*Checksums, error) {
	f, err := fs.Open(contentID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sha1h, md5h, sha256h := sha1.New(), md5.New(), sha256.New()
	size, err := io.Copy(io.MultiWriter(sha1h, md5h, sha256h), f)
	if err != nil {
		return nil, fmt.Errorf("ошибка вычисления дайджестов %s: %w", ResolvePath(contentID), err)
	}

	return &Checksums{
		Size:   size,
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}

// RemoveTemp удаляет временный файл. Отсутствие файла не ошибка.
func (fs *FileStore) RemoveTemp(tempPath string) error {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", tempPath, err)
	}
	return nil
}
