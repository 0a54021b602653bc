// Точка входа librarian-tool — операторской утилиты Librarian.
//
// Использование:
//
//	librarian-tool path <content_id>...
//	librarian-tool verify [--from N] [--to N] [--checksums]
//	librarian-tool feed-s3 [--from N] [--to N]
//	librarian-tool grant-token <path>
//	librarian-tool migrate
//
// Параметры хранилища и БД берутся из тех же переменных окружения
// LIBRARIAN_*, что и у сервера.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// command — подкоманда утилиты.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

// environment — ввод-вывод подкоманды.
type environment struct {
	stdout io.Writer
	stderr io.Writer
}

var commands = []command{
	{name: "path", summary: "относительный путь файла содержимого по ID", run: runPath},
	{name: "verify", summary: "проверка целостности содержимого", run: runVerify},
	{name: "feed-s3", summary: "выгрузка содержимого в S3-зеркало", run: runFeedS3},
	{name: "grant-token", summary: "выпуск TimeLimitedToken для пути скачивания", run: runGrantToken},
	{name: "migrate", summary: "применение миграций схемы БД", run: runMigrate},
}

// errUsage — неверные аргументы; подсказка уже выведена.
var errUsage = errors.New("неверные аргументы")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &environment{stdout: os.Stdout, stderr: os.Stderr}
	if err := run(ctx, env, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		}
		os.Exit(1)
	}
}

// run разбирает имя подкоманды и передаёт ей остальные аргументы.
func run(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		printUsage(env.stderr)
		return errUsage
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage(env.stdout)
		return nil
	}

	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, env, args[1:])
		}
	}

	fmt.Fprintf(env.stderr, "Неизвестная команда %q\n\n", args[0])
	printUsage(env.stderr)
	return errUsage
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Использование: librarian-tool <команда> [флаги] [аргументы]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Команды:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", cmd.name, cmd.summary)
	}
}

// parseFlags разбирает флаги подкоманды. help == true — выведена
// справка (--help), подкоманду выполнять не нужно.
func parseFlags(env *environment, flagSet *pflag.FlagSet, args []string) (help bool, err error) {
	flagSet.SetOutput(env.stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, errUsage
	}
	return false, nil
}
