package sqlinline

const QInsertJobEvent = `--sql cca92faf-0b6f-43fb-bada-ea0e8139a504
insert into job_events (id, job_id, user_id, event_type, status_before, status_after, provider, request_id, payload, created_at)
values ($1, $2, nullif($3, '')::uuid, $4, nullif($5, ''), nullif($6, ''), nullif($7, ''), nullif($8, ''), coalesce($9::jsonb, '{}'::jsonb), now());
`

const QCountJobEventsByTypeSince = `--sql dcd5bb53-5a69-4581-9e2f-fca85df2a12f
select event_type, count(*)
from job_events
where created_at >= $1
group by event_type
order by event_type;
`
