package app

// Command はphotofeedバイナリのサブコマンド。
type Command string

const (
	// CommandServe はAPIサーバーとフィードキャッシュを起動する。
	CommandServe Command = "serve"
	// CommandMigrate は埋め込みマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中サーバーの /health を確認して終了する。
	// distrolessイメージにはcurlがないため、DockerのHEALTHCHECKから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なし、または未知の名前はserveとして扱う。2番目以降の引数は見ない。
func ParseCommand(args []string) Command {
	cmd, _ := lookupCommand(args)
	return cmd
}

// lookupCommand はParseCommandと同じ解釈に加え、名前が既知だったかを返す。
// 引数なしは既知として扱う。
func lookupCommand(args []string) (Command, bool) {
	if len(args) == 0 {
		return CommandServe, true
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd, true
	}
	return CommandServe, false
}
