package app

// Command は起動するサブコマンド。
type Command string

const (
	// CommandServe はAPIサーバーを起動する（デフォルト）。
	CommandServe Command = "serve"
	// CommandWorker は保存済みレシピの整理ジョブを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はPostgreSQLのマイグレーション、またはMongoDBのインデックス作成を行う。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIサーバーの /health を確認する。
	// distrolessイメージにはcurlがないため、Dockerのヘルスチェックはこのサブコマンドで行う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はos.Args[1:]の先頭をサブコマンドとして解釈する。
// 空または未知の値はCommandServeとして扱い、2番目以降の引数は無視する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
