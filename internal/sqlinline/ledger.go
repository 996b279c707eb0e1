package sqlinline

// QApplyTokenDelta performs the single atomic read-modify-write against the
// user's materialized balance row and appends the ledger event in one
// statement. The `where` guard on the upsert rejects any delta that would
// take the balance below zero; in that case no event row is produced and the
// caller sees no rows.
const QApplyTokenDelta = `--sql 7e7a3b0a-58f7-4a4b-b20e-0a399a831754
with bal as (
    insert into token_balances (user_id, balance, updated_at)
    values ($2, $3, now())
    on conflict (user_id) do update
        set balance = token_balances.balance + excluded.balance,
            updated_at = now()
        where token_balances.balance + excluded.balance >= 0
    returning balance
)
insert into token_events (id, user_id, reason, delta, balance_after, source, idempotency_key, created_at)
select $1, $2, $4, $3, bal.balance, $5, nullif($6, ''), now()
from bal
returning balance_after, created_at;
`

const QSelectTokenBalance = `--sql b954254e-52a5-4c85-8986-502fd4e4dd6f
select coalesce(
    (select balance from token_balances where user_id = $1),
    0
);
`

const QSumTokenDeltas = `--sql 6c83d43b-3e66-43b0-afdb-a58b1c483d15
select coalesce(sum(delta), 0)
from token_events
where user_id = $1;
`

const QSelectTokenEventByKey = `--sql c5fbb733-9ce0-4fc6-9c68-8ab4b8015da5
select id, user_id, reason, delta, balance_after, source, coalesce(idempotency_key, ''), created_at
from token_events
where idempotency_key = $1;
`

const QTokenFlowsSince = `--sql 3d0d0551-143d-45d4-b0b5-c5d3ce7c637b
select reason, count(*), coalesce(sum(delta), 0)
from token_events
where created_at >= $1
group by reason
order by reason;
`
