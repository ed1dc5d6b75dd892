package sources

import (
	"fmt"
	"strings"
)

const zshHook = `# devtrail shell integration (zsh)
zmodload zsh/datetime 2>/dev/null
__devtrail_spool=SPOOL
__devtrail_json() {
  local s=${1//\\/\\\\}
  s=${s//\"/\\\"}
  s=${s//$'\n'/\\n}
  s=${s//$'\t'/\\t}
  print -rn -- "$s"
}
__devtrail_now() { print -rn -- $(( int(EPOCHREALTIME * 1000) )); }
__devtrail_preexec() {
  __devtrail_id="$$-$RANDOM-$EPOCHSECONDS"
  __devtrail_cmd=$(__devtrail_json "$1")
  __devtrail_start=$(__devtrail_now)
  print -r -- "{\"type\":\"start\",\"id\":\"$__devtrail_id\",\"command\":\"$__devtrail_cmd\",\"cwd\":\"$(__devtrail_json "$PWD")\",\"shell\":\"zsh\",\"ts\":$__devtrail_start}" >>| "$__devtrail_spool"
}
__devtrail_precmd() {
  local code=$?
  [[ -n $__devtrail_id ]] || return
  print -r -- "{\"type\":\"end\",\"id\":\"$__devtrail_id\",\"command\":\"$__devtrail_cmd\",\"cwd\":\"$(__devtrail_json "$PWD")\",\"shell\":\"zsh\",\"exit\":$code,\"started\":$__devtrail_start,\"ts\":$(__devtrail_now)}" >>| "$__devtrail_spool"
  __devtrail_id=
}
autoload -Uz add-zsh-hook
add-zsh-hook preexec __devtrail_preexec
add-zsh-hook precmd __devtrail_precmd
`

const bashHook = `# devtrail shell integration (bash >= 5)
__devtrail_spool=SPOOL
__devtrail_json() {
  local s=${1//\\/\\\\}
  s=${s//\"/\\\"}
  s=${s//$'\n'/\\n}
  s=${s//$'\t'/\\t}
  printf '%s' "$s"
}
__devtrail_now() { local t=${EPOCHREALTIME/[.,]/}; printf '%s' $(( t / 1000 )); }
__devtrail_preexec() {
  [[ -n $COMP_LINE || -n $__devtrail_id || $BASH_COMMAND == __devtrail_* ]] && return
  __devtrail_id="$$-$RANDOM-$SECONDS"
  __devtrail_cmd=$(__devtrail_json "$BASH_COMMAND")
  __devtrail_start=$(__devtrail_now)
  printf '{"type":"start","id":"%s","command":"%s","cwd":"%s","shell":"bash","ts":%s}\n' \
    "$__devtrail_id" "$__devtrail_cmd" "$(__devtrail_json "$PWD")" "$__devtrail_start" >> "$__devtrail_spool"
}
__devtrail_precmd() {
  local code=$?
  if [[ -n $__devtrail_id ]]; then
    printf '{"type":"end","id":"%s","command":"%s","cwd":"%s","shell":"bash","exit":%d,"started":%s,"ts":%s}\n' \
      "$__devtrail_id" "$__devtrail_cmd" "$(__devtrail_json "$PWD")" "$code" "$__devtrail_start" "$(__devtrail_now)" >> "$__devtrail_spool"
    __devtrail_id=
  fi
}
trap '__devtrail_preexec' DEBUG
PROMPT_COMMAND="__devtrail_precmd${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`

// ShellHook returns the snippet that makes shell append command records to
// spool. Supported shells are zsh and bash.
func ShellHook(shell, spool string) (string, error) {
	var tmpl string
	switch shell {
	case "zsh":
		tmpl = zshHook
	case "bash":
		tmpl = bashHook
	default:
		return "", fmt.Errorf("unsupported shell %q (want zsh or bash)", shell)
	}
	return strings.Replace(tmpl, "SPOOL", shellQuote(spool), 1), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
