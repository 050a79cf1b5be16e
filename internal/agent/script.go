// Package agent owns the remote side of the protocol (C1): the
// self-contained POSIX shell program a client installs on first contact and
// runs as a per-session job daemon, plus the content-addressed bootstrap
// logic a client uses to upload and launch it.
//
// The agent itself never executes inside this process -- it is shell text,
// piped to the remote host's /bin/sh over whatever Stream the caller's
// internal/channel.Channel wraps. This package is the Go-side owner of that
// text plus the small amount of bookkeeping (content hash, deterministic
// remote path) spec.md §6 calls for.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Script is the POSIX-only job daemon described in spec.md §4.1. It uses
// only portable /bin/sh primitives -- no arrays, no bashisms -- so it runs
// on the broadest possible set of remote hosts without any separate
// bootstrap install step (spec.md "Command parsing rationale").
//
// Ported from the saga-python ssh adaptor's wrapper shell script
// (original_source/saga/adaptors/ssh/ssh_wrapper.py), with two deliberate
// behavior changes documented in DESIGN.md:
//
//  1. WAIT blocks server-side, polling the job's state up to an optional
//     timeout argument, rather than merely reporting the current state
//     (spec.md §9, documented source bug (a)).
//  2. The TIMEOUT idle window is read from the SSHJOB_TIMEOUT environment
//     variable (default 30 seconds) rather than hardcoded, so a client can
//     tune it per session. The script's first argument is the client pid
//     echoed in the "PID: <n>" banner.
const Script = `#!/bin/sh

# Remote job daemon. POSIX sh only -- no arrays, no bash extensions.

ERROR=""
RETVAL=""

BASE=$HOME/.sshjob/adaptors/ssh_job/
TIMEOUT=${SSHJOB_TIMEOUT:-30}

trap idle_handler ALRM

idle_handler () {
  rm -f "$BASE/idle.$$"
  touch "$BASE/timed_out.$$"
  exit 0
}

idle_checker () {
  ppid=$1
  while true
  do
    sleep $TIMEOUT
    if test -e "$BASE/idle.$ppid"
    then
      kill -s ALRM $ppid >/dev/null 2>&1
      exit 0
    fi
    touch "$BASE/idle.$ppid"
  done
}

get_cmd () {
  if test -z "$1" ; then RETVAL="NOOP"; return
  else                   RETVAL=$1;     fi
}

get_args () {
  if test -z "$1" ; then          RETVAL="";  return
  else                   shift;   RETVAL=$@;  fi
}

verify_dir () {
  if test -z "$1" ;          then ERROR="no pid given";              return 1; fi
  DIR="$BASE/$1"
  if ! test -d "$DIR";       then ERROR="pid $1 not known";          return 1; fi
}

verify_pid () {
  verify_dir "$1" || return 1
  if ! test -r "$DIR/pid";   then ERROR="pid $1 has no process id"; return 1; fi
}

verify_state () {
  verify_dir "$1" || return 1
  if ! test -r "$DIR/state"; then ERROR="pid $1 has no state"; return 1; fi
}

verify_in () {
  verify_dir "$1" || return 1
  if ! test -r "$DIR/in"; then ERROR="pid $1 has no stdin"; return 1; fi
}

verify_out () {
  verify_dir "$1" || return 1
  if ! test -r "$DIR/out"; then ERROR="pid $1 has no stdout"; return 1; fi
}

verify_err () {
  verify_dir "$1" || return 1
  if ! test -r "$DIR/err"; then ERROR="pid $1 has no stderr"; return 1; fi
}

current_state () {
  grep -e ' $' "$DIR/state" | tail -n 1
}

# Three-stage detachment: the dispatcher creates the job directory and
# exits after forking a detached monitor, so the agent's wait on it returns
# fast; the monitor spawns the workload and waits on it. The agent replies
# with the job id (the dispatcher's pid) once the monitor has appended
# RUNNING to the state file.
cmd_run () {
  cmd_run2 "$@" 1>/dev/null 2>/dev/null 3</dev/null &
  SAGA_PID=$!
  wait $SAGA_PID
  RETVAL=$SAGA_PID

  DIR="$BASE/$SAGA_PID"
  while true
  do
    grep RUNNING "$DIR/state" >/dev/null 2>&1 && break
  done
}

cmd_run2 () {
  set +x

  SAGA_PID=`sh -c 'echo $PPID'`
  DIR="$BASE/$SAGA_PID"

  test -d "$DIR" && rm -rf "$DIR"
  test -d "$DIR" || mkdir -p "$DIR" || { ERROR="cannot use job id"; return 0; }
  echo "NEW " >> "$DIR/state"

  cmd_run_process "$@" 1>/dev/null 2>/dev/null 3</dev/null &
  return $!
}

cmd_run_process () {
  PID=$SAGA_PID
  DIR="$BASE/$PID"

  echo "$@" > "$DIR/cmd"
  touch "$DIR/in"

  cat > "$DIR/job.sh" <<EOT
exec sh "$DIR/cmd" < "$DIR/in" > "$DIR/out" 2> "$DIR/err"
EOT

  cat > "$DIR/monitor.sh" <<EOT
DIR="$DIR"
nohup /bin/sh "\$DIR/job.sh" 1>/dev/null 2>/dev/null 3</dev/null &
rpid=\$!
echo \$rpid > "\$DIR/pid"
echo "RUNNING " >> "\$DIR/state"

while true
do
  wait \$rpid
  retv=\$?

  if test -e "\$DIR/suspended"
  then
    rm -f "\$DIR/suspended"
    continue
  fi

  if test -e "\$DIR/resumed"
  then
    rm -f "\$DIR/resumed"
    continue
  fi

  echo \$retv > "\$DIR/exit"
  test \$retv = 0 && echo "DONE " >> "\$DIR/state"
  test \$retv = 0 || echo "FAILED " >> "\$DIR/state"

  test -e "\$DIR/canceled" && echo "CANCELED " >> "\$DIR/state"
  test -e "\$DIR/canceled" && rm -f "\$DIR/canceled"

  break
done
EOT

  nohup /bin/sh "$DIR/monitor.sh" 1>/dev/null 2>/dev/null 3</dev/null &
  exit
}

cmd_state () {
  verify_state "$1" || return
  DIR="$BASE/$1"
  RETVAL=`current_state`
}

# WAIT blocks server-side (redesigned per spec.md DESIGN NOTES 9(a)): it
# polls the job's state until terminal or until the optional second
# argument (seconds, default infinite) elapses.
cmd_wait () {
  verify_state "$1" || return
  DIR="$BASE/$1"
  wait_timeout=$2
  elapsed=0

  while true
  do
    state=`current_state`
    case "$state" in
      "DONE "|"FAILED "|"CANCELED ") RETVAL="$state"; return ;;
    esac

    if test -n "$wait_timeout" -a "$wait_timeout" -ge 0 2>/dev/null
    then
      if test "$elapsed" -ge "$wait_timeout"
      then
        RETVAL="$state"
        return
      fi
    fi

    sleep 1
    elapsed=`expr $elapsed + 1`
  done
}

cmd_result () {
  verify_state "$1" || return
  DIR="$BASE/$1"
  state=`current_state`

  if test "$state" != "DONE " -a "$state" != "FAILED " -a "$state" != "CANCELED "
  then
    ERROR="job $1 in incorrect state ($state != DONE|FAILED|CANCELED)"
    return
  fi

  if ! test -r "$DIR/exit"
  then
    ERROR="job $1 in incorrect state -- no exit code available"
    return
  fi

  RETVAL=`cat "$DIR/exit"`
}

cmd_suspend () {
  verify_state "$1" || return
  verify_pid "$1" || return

  DIR="$BASE/$1"
  state=`current_state`
  rpid=`cat "$DIR/pid"`

  if test "$state" != "RUNNING "
  then
    ERROR="job $1 in incorrect state ($state != RUNNING)"
    return
  fi

  touch "$DIR/suspended"
  RETVAL=`kill -STOP $rpid 2>&1`
  ECODE=$?

  if test "$ECODE" = "0"
  then
    echo "SUSPENDED " >> "$DIR/state"
    echo "$state" > "$DIR/state.susp"
    RETVAL="$1 suspended"
  else
    rm -f "$DIR/suspended"
    ERROR="suspend failed ($ECODE): $RETVAL"
  fi
}

cmd_resume () {
  verify_state "$1" || return
  verify_pid "$1" || return

  DIR="$BASE/$1"
  state=`current_state`
  rpid=`cat "$DIR/pid"`

  if test "$state" != "SUSPENDED "
  then
    ERROR="job $1 in incorrect state ($state != SUSPENDED)"
    return
  fi

  touch "$DIR/resumed"
  RETVAL=`kill -CONT $rpid 2>&1`
  ECODE=$?

  if test "$ECODE" = "0"
  then
    test -s "$DIR/state.susp" || echo "RUNNING " > "$DIR/state.susp"
    cat "$DIR/state.susp" >> "$DIR/state"
    rm -f "$DIR/state.susp"
    RETVAL="$1 resumed"
  else
    rm -f "$DIR/resumed"
    ERROR="resume failed ($ECODE): $RETVAL"
  fi
}

cmd_cancel () {
  verify_state "$1" || return
  verify_pid "$1" || return

  DIR="$BASE/$1"
  state=`current_state`
  rpid=`cat "$DIR/pid"`

  if test "$state" != "SUSPENDED " -a "$state" != "RUNNING "
  then
    ERROR="job $1 in incorrect state ($state != SUSPENDED|RUNNING)"
    return
  fi

  touch "$DIR/canceled"
  RETVAL=`kill -KILL $rpid 2>&1`
  ECODE=$?

  if test "$ECODE" = "0"
  then
    RETVAL="$1 canceled"
  else
    rm -f "$DIR/canceled"
    ERROR="cancel failed ($ECODE): $RETVAL"
  fi
}

cmd_stdin () {
  verify_in "$1" || return
  DIR="$BASE/$1"
  shift
  echo "$*" >> "$DIR/in"
  RETVAL="stdin refreshed"
}

cmd_stdout () {
  verify_out "$1" || return
  DIR="$BASE/$1"
  RETVAL=`uuencode "$DIR/out" "/dev/stdout"`
}

cmd_stderr () {
  verify_err "$1" || return
  DIR="$BASE/$1"
  RETVAL=`uuencode "$DIR/err" "/dev/stdout"`
}

cmd_list () {
  RETVAL=`(cd "$BASE" ; ls -C1 -d */ 2>/dev/null) | cut -f 1 -d '/'`
}

cmd_purge () {
  if test -z "$1"
  then
    for d in `grep -l -e 'DONE' -e 'FAILED' -e 'CANCELED' "$BASE"/*/state 2>/dev/null`
    do
      dir=`dirname "$d"`
      id=`basename "$dir"`
      rm -rf "$BASE/$id"
    done
    RETVAL="purged finished jobs"
    return
  fi

  DIR="$BASE/$1"
  rm -rf "$DIR"
  RETVAL="purged $1"
}

cmd_quit () {
  kill $1 >/dev/null 2>&1
  rm -f "$BASE/idle.$$"
  exit 0
}

listen () {
  test -d "$BASE" || mkdir -p "$BASE" || exit 1

  idle_checker $$ 1>/dev/null 2>/dev/null 3</dev/null &
  idle=$!

  if ! test -z "$1"; then
    echo "PID: $1"
  fi

  echo "PROMPT-0->"

  while read LINE
  do
    ERROR="OK"
    RETVAL=""

    get_cmd $LINE ; cmd=$RETVAL
    get_args $LINE ; args=$RETVAL

    if ! test "$ERROR" = "OK"
    then
      echo "ERROR"
      echo "$ERROR"
      continue
    fi

    case $cmd in
      RUN     ) cmd_run     $args ;;
      SUSPEND ) cmd_suspend $args ;;
      RESUME  ) cmd_resume  $args ;;
      CANCEL  ) cmd_cancel  $args ;;
      RESULT  ) cmd_result  $args ;;
      STATE   ) cmd_state   $args ;;
      WAIT    ) cmd_wait    $args ;;
      STDIN   ) cmd_stdin   $args ;;
      STDOUT  ) cmd_stdout  $args ;;
      STDERR  ) cmd_stderr  $args ;;
      LIST    ) cmd_list    $args ;;
      PURGE   ) cmd_purge   $args ;;
      QUIT    ) cmd_quit    $idle ;;
      NOOP    ) ERROR="NOOP"      ;;
      *       ) ERROR="$cmd unknown ($LINE)"; false ;;
    esac

    EXITVAL=$?

    if test "$ERROR" = "OK"; then
      echo "OK"
      echo "$RETVAL"
    elif test "$ERROR" = "NOOP"; then
      true
    else
      echo "ERROR"
      echo "$ERROR"
    fi

    rm -f "$BASE/idle.$$"
    echo "PROMPT-$EXITVAL->"
  done
}

stty -echo   2> /dev/null
stty -echonl 2> /dev/null
listen $1
`

// Hash returns a short, content-addressed identifier for Script: the first
// 16 hex characters of its SHA-256 digest. Uploading the agent to a path
// derived from this hash (see BootstrapPath) lets multiple client versions
// coexist on the same remote host and lets a client verify a cached agent
// still matches what it expects, per spec.md §6.
func Hash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])[:16]
}

// BootstrapPath returns the deterministic remote path a client should
// upload the agent script to, for a given content hash.
func BootstrapPath(hash string) string {
	return fmt.Sprintf(".sshjob/agents/%s.sh", hash)
}

// LaunchCommand returns the shell command line a client writes to the
// channel to start the agent at path, reporting clientPID as the spawning
// shell's pid (spec.md §6: "launches it as sh <path> <client-side-pid>").
func LaunchCommand(path string, clientPID int) string {
	return fmt.Sprintf("sh %s %d", path, clientPID)
}
